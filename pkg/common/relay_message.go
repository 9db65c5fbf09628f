package common

import (
	"encoding/hex"
	"fmt"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

// RelayType is the kind of bridge-contract event a RelayMessage was built from. It selects the ledger call the
// submission client issues for it.
type RelayType uint8

const (
	RelayIngress RelayType = iota + 1
	RelayEgress
	RelayDeposit
	RelayWithdraw
	RelaySetAuthorities
	RelayExchangeRate
)

var relayTypeNames = map[RelayType]string{
	RelayIngress:        "Ingress",
	RelayEgress:         "Egress",
	RelayDeposit:        "Deposit",
	RelayWithdraw:       "Withdraw",
	RelaySetAuthorities: "SetAuthorities",
	RelayExchangeRate:   "ExchangeRate",
}

// RelayTypes lists every relay type in declaration order.
func RelayTypes() []RelayType {
	return []RelayType{RelayIngress, RelayEgress, RelayDeposit, RelayWithdraw, RelaySetAuthorities, RelayExchangeRate}
}

func (t RelayType) String() string {
	if name, ok := relayTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("RelayType(%d)", uint8(t))
}

// ParseRelayType maps a bridge-contract event name to its relay type.
func ParseRelayType(name string) (RelayType, error) {
	for t, n := range relayTypeNames {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown relay type %q", name)
}

// MessageID identifies a message by the keccak256 hash of its payload.
type MessageID [32]byte

func NewMessageID(payload []byte) MessageID {
	return MessageID(crypto.Keccak256Hash(payload))
}

func (id MessageID) Bytes() []byte {
	return id[:]
}

func (id MessageID) String() string {
	return hex.EncodeToString(id[:])
}

func (id MessageID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *MessageID) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("invalid message id: %w", err)
	}
	if len(b) != len(id) {
		return fmt.Errorf("invalid message id length %d", len(b))
	}
	copy(id[:], b)
	return nil
}

// RelayMessage is an event observed on an external chain, on its way to the ledger.
type RelayMessage struct {
	Type    RelayType
	Payload []byte

	// Where the event was observed. Not part of the message identity.
	SourceChain string
	TxHash      ethcommon.Hash
	BlockNumber uint64
	LogIndex    uint
}

// ID returns the identity of the payload. Two observations of the same payload share an ID.
func (m *RelayMessage) ID() MessageID {
	return NewMessageID(m.Payload)
}

// ZapFields returns the fields used when logging this message, followed by any extra fields.
func (m *RelayMessage) ZapFields(fields ...zap.Field) []zap.Field {
	return append(fields,
		zap.Stringer("type", m.Type),
		zap.Stringer("msgID", m.ID()),
		zap.String("sourceChain", m.SourceChain),
		zap.Stringer("txHash", m.TxHash),
		zap.Uint64("blockNumber", m.BlockNumber),
		zap.Uint("logIndex", m.LogIndex),
	)
}
