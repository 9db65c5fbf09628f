package attestation

import "fmt"

// Error is a module error with a stable code so it survives being reported through ledger events.
type Error struct {
	Code uint32
	Msg  string
}

func (e *Error) Error() string {
	return e.Msg
}

var registered = map[uint32]*Error{}

func register(code uint32, msg string) *Error {
	if _, ok := registered[code]; ok {
		panic(fmt.Sprintf("attestation error code %d registered twice", code))
	}
	e := &Error{Code: code, Msg: msg}
	registered[code] = e
	return e
}

// ErrorFromCode returns the registered error for code, or nil if the code is unknown.
func ErrorFromCode(code uint32) error {
	if e, ok := registered[code]; ok {
		return e
	}
	return nil
}

// attestation module sentinel errors
var (
	ErrNotAuthorized         = register(1101, "sender is not a member of the current validator set")
	ErrDuplicateAttestation  = register(1102, "sender has already attested this message")
	ErrAlreadySent           = register(1103, "message has already been confirmed")
	ErrInvalidAuthorities    = register(1104, "authorities message has unexpected length")
	ErrUnsupportedDirection  = register(1106, "unsupported attestation direction")
	ErrRecordNotFound        = register(1107, "message record not found")
	ErrEmptyMessage          = register(1108, "message is empty")
	ErrInvalidThreshold      = register(1109, "threshold must be at least one")
	ErrInvalidAttestationSig = register(1110, "attestation signature must be 65 bytes")
)
