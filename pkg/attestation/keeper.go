// Package attestation is the ledger-side state machine that records, per message hash, which validators attested
// an ingress or egress event, and confirms the message once enough of them have.
package attestation

import (
	"errors"
	"fmt"
	"sync"

	"github.com/jingzhongxu/ladder/pkg/common"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	attestationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_ledger_attestations_total",
			Help: "Total number of attestation calls handled by the ledger module, by direction and result",
		}, []string{"direction", "result"})
	confirmationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_ledger_confirmations_total",
			Help: "Total number of messages confirmed by the ledger module",
		}, []string{"direction"})
)

// ValidatorSet answers membership queries against the current validator set.
type ValidatorSet interface {
	IsValidator(addr ethcommon.Address) bool
}

// DefaultThreshold confirms a message on its first accepted attestation.
const DefaultThreshold = 1

type Keeper struct {
	logger     *zap.Logger
	store      Store
	validators ValidatorSet
	threshold  int

	// mu serializes the read-modify-write of records.
	mu sync.Mutex
}

func NewKeeper(logger *zap.Logger, store Store, validators ValidatorSet, threshold int) (*Keeper, error) {
	if threshold < 1 {
		return nil, ErrInvalidThreshold
	}
	return &Keeper{
		logger:     logger,
		store:      store,
		validators: validators,
		threshold:  threshold,
	}, nil
}

func (k *Keeper) Threshold() int {
	return k.threshold
}

// AttestIngress records sender's attestation of an ingress message. It returns the confirmation if this attestation
// brought the record to the threshold, nil otherwise.
func (k *Keeper) AttestIngress(sender ethcommon.Address, message []byte, signature []byte) (*Confirmed, error) {
	return k.attest(DirectionIngress, sender, message, signature)
}

// AttestEgress is AttestIngress for egress messages.
func (k *Keeper) AttestEgress(sender ethcommon.Address, message []byte, signature []byte) (*Confirmed, error) {
	return k.attest(DirectionEgress, sender, message, signature)
}

func (k *Keeper) attest(dir Direction, sender ethcommon.Address, message []byte, signature []byte) (c *Confirmed, err error) {
	defer func() {
		result := "accepted"
		var merr *Error
		if errors.As(err, &merr) {
			result = fmt.Sprintf("rejected_%d", merr.Code)
		} else if err != nil {
			result = "error"
		}
		attestationsTotal.WithLabelValues(dir.String(), result).Inc()
	}()

	if dir != DirectionIngress && dir != DirectionEgress {
		return nil, ErrUnsupportedDirection
	}
	if len(message) == 0 {
		return nil, ErrEmptyMessage
	}
	if len(signature) != crypto.SignatureLength {
		return nil, ErrInvalidAttestationSig
	}

	if !k.validators.IsValidator(sender) {
		return nil, ErrNotAuthorized
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	id := common.NewMessageID(message)
	record, err := k.store.GetRecord(dir, id)
	if errors.Is(err, ErrRecordNotFound) {
		record = &MessageRecord{Direction: dir, ID: id}
	} else if err != nil {
		return nil, fmt.Errorf("failed to load %s record %s: %w", dir, id, err)
	}

	if record.HasAttested(sender) {
		return nil, ErrDuplicateAttestation
	}
	if record.Sent {
		return nil, ErrAlreadySent
	}

	record.Attestations = append(record.Attestations, NewAttestation(sender, signature))
	if record.Count() >= k.threshold {
		record.Sent = true
		record.Payload = append([]byte(nil), message...)
	}

	if err := k.store.PutRecord(record); err != nil {
		return nil, fmt.Errorf("failed to store %s record %s: %w", dir, id, err)
	}

	if !record.Sent {
		k.logger.Debug("attestation recorded",
			zap.Stringer("direction", dir),
			zap.Stringer("msgID", id),
			zap.Stringer("validator", sender),
			zap.Int("count", record.Count()),
			zap.Int("threshold", k.threshold))
		return nil, nil
	}

	k.logger.Info("message confirmed",
		zap.Stringer("direction", dir),
		zap.Stringer("msgID", id),
		zap.Int("attestations", record.Count()))
	confirmationsTotal.WithLabelValues(dir.String()).Inc()

	attestations := make([]Attestation, len(record.Attestations))
	copy(attestations, record.Attestations)
	return &Confirmed{
		Direction:    dir,
		ID:           id,
		Message:      record.Payload,
		Attestations: attestations,
	}, nil
}

// Record returns the stored record for a message.
func (k *Keeper) Record(dir Direction, id common.MessageID) (*MessageRecord, error) {
	return k.store.GetRecord(dir, id)
}

// Rollback accepts a data forwarding timeout message. Timeouts are not acted upon.
func (k *Keeper) Rollback(sender ethcommon.Address, message []byte, signature []byte) error {
	if !k.validators.IsValidator(sender) {
		return ErrNotAuthorized
	}
	return nil
}

const (
	authoritiesHeaderLength = 32
	authorityLength         = ethcommon.AddressLength
)

// ParseAuthorities decodes an authorities reset message:
//
//	offset  0: 32 bytes uint256 block number
//	offset 32: 20 bytes address authority0
//	offset 52: 20 bytes address authority1
//	...
func ParseAuthorities(message []byte) (uint64, []ethcommon.Address, error) {
	if len(message) < authoritiesHeaderLength || (len(message)-authoritiesHeaderLength)%authorityLength != 0 {
		return 0, nil, ErrInvalidAuthorities
	}
	blockNumber := new(ethcommon.Hash)
	blockNumber.SetBytes(message[:authoritiesHeaderLength])
	height := blockNumber.Big()
	if !height.IsUint64() {
		return 0, nil, ErrInvalidAuthorities
	}

	var authorities []ethcommon.Address
	for off := authoritiesHeaderLength; off < len(message); off += authorityLength {
		authorities = append(authorities, ethcommon.BytesToAddress(message[off:off+authorityLength]))
	}
	return height.Uint64(), authorities, nil
}

// ResetAuthorities validates an authorities reset message. The validator set itself is not changed by the bridge.
func (k *Keeper) ResetAuthorities(sender ethcommon.Address, message []byte, signature []byte) error {
	if !k.validators.IsValidator(sender) {
		return ErrNotAuthorized
	}
	height, authorities, err := ParseAuthorities(message)
	if err != nil {
		return err
	}
	k.logger.Info("authorities reset observed",
		zap.Uint64("height", height),
		zap.Int("authorities", len(authorities)),
		zap.Stringer("reporter", sender))
	return nil
}
