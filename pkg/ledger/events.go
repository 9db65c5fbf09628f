package ledger

import (
	"fmt"

	"github.com/jingzhongxu/ladder/pkg/attestation"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// EventsStorageKey is the storage key under which the ledger keeps the events of the latest block.
var EventsStorageKey = crypto.Keccak256Hash([]byte("System Events"))

type EventKind uint8

const (
	EventExtrinsicSuccess EventKind = iota + 1
	EventExtrinsicFailed
	EventIngressConfirmed
	EventEgressConfirmed
	EventDeposit
	EventWithdraw
	EventExchangeRateChecked
)

func (k EventKind) String() string {
	switch k {
	case EventExtrinsicSuccess:
		return "system.ExtrinsicSuccess"
	case EventExtrinsicFailed:
		return "system.ExtrinsicFailed"
	case EventIngressConfirmed:
		return "matrix.IngressVerified"
	case EventEgressConfirmed:
		return "matrix.EgressVerified"
	case EventDeposit:
		return "bank.Deposit"
	case EventWithdraw:
		return "bank.Withdraw"
	case EventExchangeRateChecked:
		return "exchangerate.Checked"
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// EventRecord is one event deposited while executing a block. Data holds the RLP encoding of the kind specific body.
type EventRecord struct {
	TxIndex uint32
	Kind    EventKind
	Data    []byte
}

// ConfirmedEvent is the body of IngressConfirmed and EgressConfirmed events.
type ConfirmedEvent struct {
	Message      []byte
	Attestations []attestation.Attestation
}

// Signatures concatenates the raw attestation signatures in attestation order.
func (e *ConfirmedEvent) Signatures() []byte {
	c := attestation.Confirmed{Attestations: e.Attestations}
	return c.Signatures()
}

// TxResultEvent is the body of ExtrinsicSuccess and ExtrinsicFailed events.
type TxResultEvent struct {
	TxHash ethcommon.Hash
	Sender ethcommon.Address
	Code   uint32
	Reason string
}

// MessageEvent is the body of bank and exchange rate events.
type MessageEvent struct {
	Sender  ethcommon.Address
	Message []byte
}

// NewEventRecord encodes body into a record of the given kind.
func NewEventRecord(txIndex uint32, kind EventKind, body interface{}) (EventRecord, error) {
	b, err := rlp.EncodeToBytes(body)
	if err != nil {
		return EventRecord{}, fmt.Errorf("failed to encode %s event: %w", kind, err)
	}
	return EventRecord{TxIndex: txIndex, Kind: kind, Data: b}, nil
}

// Confirmed decodes the body of a confirmation event.
func (r *EventRecord) Confirmed() (*ConfirmedEvent, error) {
	if r.Kind != EventIngressConfirmed && r.Kind != EventEgressConfirmed {
		return nil, fmt.Errorf("event %s is not a confirmation", r.Kind)
	}
	e := new(ConfirmedEvent)
	if err := rlp.DecodeBytes(r.Data, e); err != nil {
		return nil, fmt.Errorf("failed to decode %s event: %w", r.Kind, err)
	}
	return e, nil
}

// TxResult decodes the body of an extrinsic result event.
func (r *EventRecord) TxResult() (*TxResultEvent, error) {
	if r.Kind != EventExtrinsicSuccess && r.Kind != EventExtrinsicFailed {
		return nil, fmt.Errorf("event %s is not a transaction result", r.Kind)
	}
	e := new(TxResultEvent)
	if err := rlp.DecodeBytes(r.Data, e); err != nil {
		return nil, fmt.Errorf("failed to decode %s event: %w", r.Kind, err)
	}
	return e, nil
}

func EncodeEventRecords(records []EventRecord) ([]byte, error) {
	if records == nil {
		records = []EventRecord{}
	}
	return rlp.EncodeToBytes(records)
}

func DecodeEventRecords(b []byte) ([]EventRecord, error) {
	var records []EventRecord
	if err := rlp.DecodeBytes(b, &records); err != nil {
		return nil, fmt.Errorf("failed to decode event records: %w", err)
	}
	return records, nil
}

// StorageChange is the new value of one storage key. Data is nil if the key was removed.
type StorageChange struct {
	Key  ethcommon.Hash `json:"key"`
	Data hexutil.Bytes  `json:"data"`
}

// ChangeSet is the set of watched storage keys changed by a block.
type ChangeSet struct {
	Block   ethcommon.Hash  `json:"block"`
	Number  hexutil.Uint64  `json:"number"`
	Changes []StorageChange `json:"changes"`
}

// Head identifies a ledger block.
type Head struct {
	Number hexutil.Uint64 `json:"number"`
	Hash   ethcommon.Hash `json:"hash"`
}
