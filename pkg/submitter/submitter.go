// Package submitter turns bridge events observed on the external chains into signed ledger transactions.
package submitter

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"time"

	"github.com/jingzhongxu/ladder/pkg/common"
	"github.com/jingzhongxu/ladder/pkg/ledger"
	"github.com/jingzhongxu/ladder/pkg/supervisor"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	submissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_submitter_submissions_total",
			Help: "Total number of relay messages handled by the submission client, by type and result",
		}, []string{"type", "result"})
	nonceResets = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_submitter_nonce_resets_total",
			Help: "Total number of times the ledger nonce was re-derived from the account state",
		})
	validatorLookups = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_submitter_validator_lookups_total",
			Help: "Total number of validator set queries against the ledger",
		})
)

const (
	validatorCacheSize   = 128
	DefaultSubmitTimeout = 15 * time.Second
)

type Submitter struct {
	logger  *zap.Logger
	client  ledger.Client
	timeout time.Duration

	accountKey *ecdsa.PrivateKey
	account    ethcommon.Address
	bridgeKey  *ecdsa.PrivateKey
	genesis    ethcommon.Hash

	nonces *NonceManager
	// head hash -> bool, whether account is a validator as of that head
	validators *lru.Cache
}

// New creates a submission client signing ledger transactions with accountKey and attestations with bridgeKey.
// It reads the ledger genesis hash, which every transaction is bound to.
func New(ctx context.Context, logger *zap.Logger, client ledger.Client, accountKey, bridgeKey *ecdsa.PrivateKey, timeout time.Duration) (*Submitter, error) {
	if timeout == 0 {
		timeout = DefaultSubmitTimeout
	}
	genesis, err := client.GenesisHash(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger genesis hash: %w", err)
	}
	cache, err := lru.New(validatorCacheSize)
	if err != nil {
		return nil, err
	}
	account := crypto.PubkeyToAddress(accountKey.PublicKey)
	return &Submitter{
		logger:     logger,
		client:     client,
		timeout:    timeout,
		accountKey: accountKey,
		account:    account,
		bridgeKey:  bridgeKey,
		genesis:    genesis,
		nonces:     NewNonceManager(account, client.AccountNonce),
		validators: cache,
	}, nil
}

func (s *Submitter) Account() ethcommon.Address {
	return s.account
}

// Run owns the nonce state. Submit blocks until Run is running.
func (s *Submitter) Run(ctx context.Context) error {
	supervisor.Signal(ctx, supervisor.SignalHealthy)
	s.logger.Info("submission client started",
		zap.Stringer("account", s.account),
		zap.Stringer("bridgeSigner", crypto.PubkeyToAddress(s.bridgeKey.PublicKey)),
		zap.Stringer("genesis", s.genesis))
	s.logValidatorSet(ctx)
	return s.nonces.Run(ctx)
}

// logValidatorSet reports the validator set as of the current head and whether the local account is part of it.
func (s *Submitter) logValidatorSet(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	head, err := s.client.Head(ctx)
	if err != nil {
		s.logger.Warn("failed to read ledger head", zap.Error(err))
		return
	}
	validators, err := s.client.Validators(ctx, head.Hash)
	if err != nil {
		s.logger.Warn("failed to read validator set", zap.Uint64("head", uint64(head.Number)), zap.Error(err))
		return
	}
	member := false
	for _, v := range validators {
		if v == s.account {
			member = true
			break
		}
	}
	s.logger.Info("validator set",
		zap.Uint64("head", uint64(head.Number)),
		zap.Int("validators", len(validators)),
		zap.Bool("isValidator", member))
}

// IsValidator reports whether the local account is a validator as of head. Results are cached per head.
func (s *Submitter) IsValidator(ctx context.Context, head ledger.Head) (bool, error) {
	if v, ok := s.validators.Get(head.Hash); ok {
		return v.(bool), nil
	}
	validatorLookups.Inc()
	ok, err := s.client.IsValidator(ctx, s.account, head.Hash)
	if err != nil {
		return false, fmt.Errorf("failed to look up validator status at %s: %w", head.Hash, err)
	}
	s.validators.Add(head.Hash, ok)
	return ok, nil
}

// CheckValidator reads the ledger head and reports whether the local account is a validator as of it.
func (s *Submitter) CheckValidator(ctx context.Context) (ledger.Head, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	head, err := s.client.Head(ctx)
	if err != nil {
		return ledger.Head{}, false, fmt.Errorf("failed to read ledger head: %w", err)
	}
	ok, err := s.IsValidator(ctx, head)
	return head, ok, err
}

// Submit signs msg and pushes the resulting transaction into the ledger's pool. Nodes that are not validators drop
// the message. Pool rejections are logged and not retried. Every ledger call is bounded by the submit timeout; an
// error means the message was not handled and may be submitted again.
func (s *Submitter) Submit(ctx context.Context, msg *common.RelayMessage) error {
	head, ok, err := s.CheckValidator(ctx)
	if err != nil {
		submissionsTotal.WithLabelValues(msg.Type.String(), "error").Inc()
		return err
	}
	if !ok {
		submissionsTotal.WithLabelValues(msg.Type.String(), "not_validator").Inc()
		s.logger.Debug("not a validator, dropping relay message", msg.ZapFields(zap.Uint64("head", uint64(head.Number)))...)
		return nil
	}

	tx, err := s.buildTransaction(ctx, head, msg)
	if err != nil {
		submissionsTotal.WithLabelValues(msg.Type.String(), "error").Inc()
		return err
	}

	submitCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	hash, err := s.client.SubmitTransaction(submitCtx, tx)
	if err != nil {
		submissionsTotal.WithLabelValues(msg.Type.String(), "rejected").Inc()
		s.logger.Error("transaction pool rejected relay transaction",
			msg.ZapFields(zap.Uint64("nonce", tx.Nonce), zap.Stringer("call", tx.Call.Kind), zap.Error(err))...)
		return nil
	}

	submissionsTotal.WithLabelValues(msg.Type.String(), "submitted").Inc()
	s.logger.Info("relay transaction submitted",
		msg.ZapFields(
			zap.Stringer("ledgerTxHash", hash),
			zap.Uint64("nonce", tx.Nonce),
			zap.Stringer("call", tx.Call.Kind),
			zap.Uint64("head", uint64(head.Number)))...)
	return nil
}

func (s *Submitter) buildTransaction(ctx context.Context, head ledger.Head, msg *common.RelayMessage) (*ledger.Transaction, error) {
	sig, err := crypto.Sign(crypto.Keccak256(msg.Payload), s.bridgeKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign attestation: %w", err)
	}
	call, err := ledger.CallForRelay(msg.Type, msg.Payload, sig)
	if err != nil {
		return nil, err
	}
	nonceCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	nonce, err := s.nonces.Next(nonceCtx, head.Hash)
	if err != nil {
		return nil, fmt.Errorf("failed to derive ledger nonce: %w", err)
	}
	return ledger.SignTransaction(s.accountKey, nonce, call, s.genesis)
}
