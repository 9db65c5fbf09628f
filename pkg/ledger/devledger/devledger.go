// Package devledger is a single-process ledger for development networks and tests. It executes bridge calls
// against the attestation module, keeps per-block account nonces and publishes the events of every block as a
// storage change of the events key.
package devledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jingzhongxu/ladder/pkg/attestation"
	"github.com/jingzhongxu/ladder/pkg/ledger"
	"github.com/jingzhongxu/ladder/pkg/supervisor"

	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	blocksProduced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_devledger_blocks_produced_total",
			Help: "Total number of blocks produced by the development ledger",
		})
	txsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_devledger_txs_applied_total",
			Help: "Total number of transactions applied by the development ledger, by call and result",
		}, []string{"call", "result"})
	poolSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_devledger_pool_size",
			Help: "Number of transactions waiting in the development ledger pool",
		})
)

type Config struct {
	// Validators is the fixed validator set.
	Validators []ethcommon.Address
	// Threshold is the number of attestations that confirm a message.
	Threshold int
	// Store holds attestation records. Defaults to an in-memory store.
	Store attestation.Store
}

type blockState struct {
	head   ledger.Head
	nonces map[ethcommon.Address]uint64
}

type Ledger struct {
	logger *zap.Logger

	validators   []ethcommon.Address
	validatorSet map[ethcommon.Address]bool
	keeper       *attestation.Keeper
	genesis      ethcommon.Hash

	mu     sync.RWMutex
	head   ledger.Head
	blocks map[ethcommon.Hash]*blockState
	nonces map[ethcommon.Address]uint64
	pool   map[ethcommon.Address]map[uint64]*ledger.Transaction

	changes event.Feed
}

func New(logger *zap.Logger, cfg Config) (*Ledger, error) {
	if len(cfg.Validators) == 0 {
		return nil, errors.New("at least one validator is required")
	}
	threshold := cfg.Threshold
	if threshold == 0 {
		threshold = attestation.DefaultThreshold
	}
	if threshold > len(cfg.Validators) {
		return nil, fmt.Errorf("threshold %d exceeds the number of validators %d", threshold, len(cfg.Validators))
	}
	store := cfg.Store
	if store == nil {
		store = attestation.NewMemoryStore()
	}

	l := &Ledger{
		logger:       logger,
		validators:   append([]ethcommon.Address(nil), cfg.Validators...),
		validatorSet: make(map[ethcommon.Address]bool, len(cfg.Validators)),
		blocks:       make(map[ethcommon.Hash]*blockState),
		nonces:       make(map[ethcommon.Address]uint64),
		pool:         make(map[ethcommon.Address]map[uint64]*ledger.Transaction),
	}
	for _, v := range cfg.Validators {
		l.validatorSet[v] = true
	}

	keeper, err := attestation.NewKeeper(logger.Named("matrix"), store, l, threshold)
	if err != nil {
		return nil, err
	}
	l.keeper = keeper

	genesisSeed, err := rlp.EncodeToBytes(l.validators)
	if err != nil {
		return nil, fmt.Errorf("failed to encode genesis: %w", err)
	}
	l.genesis = crypto.Keccak256Hash([]byte("ladder devnet genesis"), genesisSeed)
	l.head = ledger.Head{Number: 0, Hash: l.genesis}
	l.blocks[l.genesis] = &blockState{head: l.head, nonces: map[ethcommon.Address]uint64{}}

	return l, nil
}

// IsValidator implements attestation.ValidatorSet. The validator set never changes.
func (l *Ledger) IsValidator(addr ethcommon.Address) bool {
	return l.validatorSet[addr]
}

func (l *Ledger) Keeper() *attestation.Keeper {
	return l.keeper
}

// stateAt returns the state of block at. The zero hash selects the current head. Must be called with mu held.
func (l *Ledger) stateAt(at ethcommon.Hash) (*blockState, error) {
	if at == (ethcommon.Hash{}) {
		at = l.head.Hash
	}
	s, ok := l.blocks[at]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrUnknownBlock, at)
	}
	return s, nil
}

// SubmitTransaction adds tx to the pool. It is applied by the next block whose account nonce reaches tx.Nonce.
func (l *Ledger) SubmitTransaction(_ context.Context, tx *ledger.Transaction) (ethcommon.Hash, error) {
	if err := tx.Verify(l.genesis); err != nil {
		return ethcommon.Hash{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if tx.Nonce < l.nonces[tx.Sender] {
		return ethcommon.Hash{}, fmt.Errorf("%w: got %d, account is at %d", ledger.ErrStaleNonce, tx.Nonce, l.nonces[tx.Sender])
	}
	byNonce, ok := l.pool[tx.Sender]
	if !ok {
		byNonce = make(map[uint64]*ledger.Transaction)
		l.pool[tx.Sender] = byNonce
	}
	if _, exists := byNonce[tx.Nonce]; exists {
		return ethcommon.Hash{}, ledger.ErrAlreadyInPool
	}
	byNonce[tx.Nonce] = tx
	poolSize.Inc()

	hash := tx.Hash()
	l.logger.Debug("transaction added to pool",
		zap.Stringer("txHash", hash),
		zap.Stringer("sender", tx.Sender),
		zap.Uint64("nonce", tx.Nonce),
		zap.Stringer("call", tx.Call.Kind))
	return hash, nil
}

// ProduceBlock applies every executable pool transaction, seals a new head and publishes its events.
func (l *Ledger) ProduceBlock() (ledger.Head, error) {
	l.mu.Lock()

	senders := make([]ethcommon.Address, 0, len(l.pool))
	for s := range l.pool {
		senders = append(senders, s)
	}
	sort.Slice(senders, func(i, j int) bool {
		return senders[i].Hex() < senders[j].Hex()
	})

	var records []ledger.EventRecord
	var txHashes []ethcommon.Hash
	for _, sender := range senders {
		byNonce := l.pool[sender]
		for {
			next := l.nonces[sender]
			tx, ok := byNonce[next]
			if !ok {
				break
			}
			delete(byNonce, next)
			poolSize.Dec()
			l.nonces[sender] = next + 1

			txIndex := uint32(len(txHashes))
			txHash := tx.Hash()
			txHashes = append(txHashes, txHash)
			records = append(records, l.apply(txIndex, txHash, tx)...)
		}
		if len(byNonce) == 0 {
			delete(l.pool, sender)
		}
	}

	seal, err := rlp.EncodeToBytes([]interface{}{l.head.Hash, uint64(l.head.Number) + 1, txHashes})
	if err != nil {
		l.mu.Unlock()
		return ledger.Head{}, fmt.Errorf("failed to seal block: %w", err)
	}
	head := ledger.Head{Number: l.head.Number + 1, Hash: crypto.Keccak256Hash(seal)}
	nonces := make(map[ethcommon.Address]uint64, len(l.nonces))
	for k, v := range l.nonces {
		nonces[k] = v
	}
	l.head = head
	l.blocks[head.Hash] = &blockState{head: head, nonces: nonces}
	l.mu.Unlock()

	data, err := ledger.EncodeEventRecords(records)
	if err != nil {
		return head, err
	}
	blocksProduced.Inc()
	l.logger.Debug("block produced",
		zap.Uint64("number", uint64(head.Number)),
		zap.Stringer("hash", head.Hash),
		zap.Int("txs", len(txHashes)),
		zap.Int("events", len(records)))

	l.changes.Send(&ledger.ChangeSet{
		Block:   head.Hash,
		Number:  head.Number,
		Changes: []ledger.StorageChange{{Key: ledger.EventsStorageKey, Data: hexutil.Bytes(data)}},
	})
	return head, nil
}

// apply executes one transaction and returns the events it deposited. Must be called with mu held.
func (l *Ledger) apply(txIndex uint32, txHash ethcommon.Hash, tx *ledger.Transaction) []ledger.EventRecord {
	var records []ledger.EventRecord
	deposit := func(kind ledger.EventKind, body interface{}) {
		r, err := ledger.NewEventRecord(txIndex, kind, body)
		if err != nil {
			l.logger.Error("failed to encode event", zap.Stringer("kind", kind), zap.Error(err))
			return
		}
		records = append(records, r)
	}

	err := l.dispatch(tx, deposit)
	if err != nil {
		var code uint32
		var merr *attestation.Error
		if errors.As(err, &merr) {
			code = merr.Code
		}
		l.logger.Info("transaction failed",
			zap.Stringer("txHash", txHash),
			zap.Stringer("sender", tx.Sender),
			zap.Stringer("call", tx.Call.Kind),
			zap.Error(err))
		txsApplied.WithLabelValues(tx.Call.Kind.String(), "failed").Inc()
		// A failed call still consumes the nonce, but none of its events.
		records = nil
		deposit(ledger.EventExtrinsicFailed, &ledger.TxResultEvent{TxHash: txHash, Sender: tx.Sender, Code: code, Reason: err.Error()})
		return records
	}

	txsApplied.WithLabelValues(tx.Call.Kind.String(), "success").Inc()
	deposit(ledger.EventExtrinsicSuccess, &ledger.TxResultEvent{TxHash: txHash, Sender: tx.Sender})
	return records
}

func (l *Ledger) dispatch(tx *ledger.Transaction, deposit func(ledger.EventKind, interface{})) error {
	call := tx.Call
	switch call.Kind {
	case ledger.CallMatrixIngress, ledger.CallMatrixEgress:
		attest, kind := l.keeper.AttestIngress, ledger.EventIngressConfirmed
		if call.Kind == ledger.CallMatrixEgress {
			attest, kind = l.keeper.AttestEgress, ledger.EventEgressConfirmed
		}
		c, err := attest(tx.Sender, call.Message, call.Signature)
		if err != nil {
			return err
		}
		if c != nil {
			deposit(kind, &ledger.ConfirmedEvent{Message: c.Message, Attestations: c.Attestations})
		}
		return nil
	case ledger.CallMatrixResetAuthorities:
		return l.keeper.ResetAuthorities(tx.Sender, call.Message, call.Signature)
	case ledger.CallMatrixRollback:
		return l.keeper.Rollback(tx.Sender, call.Message, call.Signature)
	case ledger.CallBankDeposit, ledger.CallBankWithdraw, ledger.CallExchangeRateCheck:
		if !l.IsValidator(tx.Sender) {
			return attestation.ErrNotAuthorized
		}
		kind := map[ledger.CallKind]ledger.EventKind{
			ledger.CallBankDeposit:       ledger.EventDeposit,
			ledger.CallBankWithdraw:      ledger.EventWithdraw,
			ledger.CallExchangeRateCheck: ledger.EventExchangeRateChecked,
		}[call.Kind]
		deposit(kind, &ledger.MessageEvent{Sender: tx.Sender, Message: call.Message})
		return nil
	}
	return fmt.Errorf("unknown call %s", call.Kind)
}

// Run produces a block every blockTime until ctx is canceled.
func (l *Ledger) Run(blockTime time.Duration) supervisor.Runnable {
	return func(ctx context.Context) error {
		logger := supervisor.Logger(ctx)
		supervisor.Signal(ctx, supervisor.SignalHealthy)
		logger.Info("development ledger producing blocks",
			zap.Duration("blockTime", blockTime),
			zap.Stringer("genesis", l.genesis),
			zap.Int("validators", len(l.validators)))

		t := time.NewTicker(blockTime)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				if _, err := l.ProduceBlock(); err != nil {
					return err
				}
			}
		}
	}
}

func (l *Ledger) Head(_ context.Context) (ledger.Head, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head, nil
}

func (l *Ledger) AccountNonce(_ context.Context, who ethcommon.Address, at ethcommon.Hash) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, err := l.stateAt(at)
	if err != nil {
		return 0, err
	}
	return s.nonces[who], nil
}

func (l *Ledger) IsValidatorAt(_ context.Context, who ethcommon.Address, at ethcommon.Hash) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, err := l.stateAt(at); err != nil {
		return false, err
	}
	return l.validatorSet[who], nil
}

func (l *Ledger) Validators(_ context.Context, at ethcommon.Hash) ([]ethcommon.Address, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, err := l.stateAt(at); err != nil {
		return nil, err
	}
	return append([]ethcommon.Address(nil), l.validators...), nil
}

func (l *Ledger) GenesisHash(_ context.Context) (ethcommon.Hash, error) {
	return l.genesis, nil
}

// SubscribeStorageChanges delivers the change sets of future blocks, restricted to keys.
func (l *Ledger) SubscribeStorageChanges(_ context.Context, keys []ethcommon.Hash, ch chan<- *ledger.ChangeSet) (ethereum.Subscription, error) {
	watched := make(map[ethcommon.Hash]bool, len(keys))
	for _, k := range keys {
		watched[k] = true
	}

	// Subscribe to the feed before returning so no block produced after this call is missed.
	all := make(chan *ledger.ChangeSet, 16)
	sub := l.changes.Subscribe(all)
	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer sub.Unsubscribe()
		for {
			select {
			case cs := <-all:
				filtered := &ledger.ChangeSet{Block: cs.Block, Number: cs.Number}
				for _, c := range cs.Changes {
					if len(watched) == 0 || watched[c.Key] {
						filtered.Changes = append(filtered.Changes, c)
					}
				}
				if len(filtered.Changes) == 0 {
					continue
				}
				select {
				case ch <- filtered:
				case <-quit:
					return nil
				}
			case err := <-sub.Err():
				return err
			case <-quit:
				return nil
			}
		}
	}), nil
}

// Client adapts the ledger to ledger.Client for in-process use.
func (l *Ledger) Client() ledger.Client {
	return &client{l}
}

type client struct {
	*Ledger
}

func (c *client) IsValidator(ctx context.Context, who ethcommon.Address, at ethcommon.Hash) (bool, error) {
	return c.Ledger.IsValidatorAt(ctx, who, at)
}

func (c *client) Close() {}
