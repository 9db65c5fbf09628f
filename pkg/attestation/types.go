package attestation

import (
	"fmt"

	"github.com/jingzhongxu/ladder/pkg/common"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Direction tells ingress records apart from egress records. Both are keyed by the same message hash space but
// tracked independently.
type Direction uint8

const (
	DirectionIngress Direction = iota + 1
	DirectionEgress
)

func (d Direction) String() string {
	switch d {
	case DirectionIngress:
		return "ingress"
	case DirectionEgress:
		return "egress"
	}
	return fmt.Sprintf("Direction(%d)", uint8(d))
}

// Attestation is a validator's signature over a message, together with the hash of that signature.
type Attestation struct {
	Validator     ethcommon.Address
	Signature     []byte
	SignatureHash ethcommon.Hash
}

func NewAttestation(validator ethcommon.Address, signature []byte) Attestation {
	return Attestation{
		Validator:     validator,
		Signature:     signature,
		SignatureHash: crypto.Keccak256Hash(signature),
	}
}

// MessageRecord is the per-message attestation state. It is created on the first accepted attestation and never
// deleted.
type MessageRecord struct {
	Direction    Direction
	ID           common.MessageID
	Attestations []Attestation
	Sent         bool
	// Payload is only kept once the message is confirmed.
	Payload []byte
}

// Count is the number of accepted attestations.
func (r *MessageRecord) Count() int {
	return len(r.Attestations)
}

// HasAttested reports whether validator already attested this message.
func (r *MessageRecord) HasAttested(validator ethcommon.Address) bool {
	for _, a := range r.Attestations {
		if a.Validator == validator {
			return true
		}
	}
	return false
}

// Confirmed is emitted exactly once per (direction, message) when the record reaches its threshold.
type Confirmed struct {
	Direction    Direction
	ID           common.MessageID
	Message      []byte
	Attestations []Attestation
}

// Signatures concatenates the raw attestation signatures in attestation order.
func (c *Confirmed) Signatures() []byte {
	out := make([]byte, 0, len(c.Attestations)*crypto.SignatureLength)
	for _, a := range c.Attestations {
		out = append(out, a.Signature...)
	}
	return out
}
