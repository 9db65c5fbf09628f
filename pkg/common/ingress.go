package common

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ChainTag is the 32 byte destination tag embedded at the start of an ingress message. It names the external chain
// that releases the funds once the ledger has confirmed the message.
type ChainTag [32]byte

// ChainTagFromUint64 returns the tag holding n as a big endian uint256.
func ChainTagFromUint64(n uint64) ChainTag {
	var t ChainTag
	binary.BigEndian.PutUint64(t[24:], n)
	return t
}

func (t ChainTag) String() string {
	return "0x" + hex.EncodeToString(t[:])
}

const (
	ingressTagOffset       = 0
	ingressRecipientOffset = 32
	ingressValueOffset     = 52
	ingressTxHashOffset    = 84

	// IngressMessageLength is the exact size of a serialized ingress message.
	IngressMessageLength = 116
)

var ErrIngressLength = errors.New("ingress message has unexpected length")

// IngressEvent is the decoded payload of an ingress message:
//
//	offset  0: 32 bytes uint256 tag
//	offset 32: 20 bytes address recipient
//	offset 52: 32 bytes uint256 value
//	offset 84: 32 bytes bytes32 transaction hash on the source chain
type IngressEvent struct {
	Tag       ChainTag
	Recipient ethcommon.Address
	Value     *uint256.Int
	TxHash    ethcommon.Hash
}

func ParseIngressEvent(data []byte) (*IngressEvent, error) {
	if len(data) != IngressMessageLength {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrIngressLength, len(data), IngressMessageLength)
	}

	e := &IngressEvent{}
	copy(e.Tag[:], data[ingressTagOffset:ingressRecipientOffset])
	e.Recipient = ethcommon.BytesToAddress(data[ingressRecipientOffset:ingressValueOffset])
	e.Value = new(uint256.Int).SetBytes(data[ingressValueOffset:ingressTxHashOffset])
	e.TxHash = ethcommon.BytesToHash(data[ingressTxHashOffset:IngressMessageLength])
	return e, nil
}

func (e *IngressEvent) Serialize() []byte {
	buf := make([]byte, IngressMessageLength)
	copy(buf[ingressTagOffset:], e.Tag[:])
	copy(buf[ingressRecipientOffset:], e.Recipient.Bytes())
	if e.Value != nil {
		value := e.Value.Bytes32()
		copy(buf[ingressValueOffset:], value[:])
	}
	copy(buf[ingressTxHashOffset:], e.TxHash.Bytes())
	return buf
}
