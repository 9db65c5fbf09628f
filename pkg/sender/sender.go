// Package sender releases ledger-confirmed messages on one external chain. Releases are handled one at a time in
// the order the relay delivered them, each as a release(message, signatures) call on the bridge contract signed
// with the locally tracked account nonce.
package sender

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/jingzhongxu/ladder/pkg/common"
	"github.com/jingzhongxu/ladder/pkg/db"
	"github.com/jingzhongxu/ladder/pkg/ethabi"
	"github.com/jingzhongxu/ladder/pkg/readiness"
	"github.com/jingzhongxu/ladder/pkg/supervisor"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/params"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	releasesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_sender_releases_total",
			Help: "Total number of releases handled by the outbound sender, by result",
		}, []string{"eth_network", "result"})
	senderNonce = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridge_sender_nonce",
			Help: "Next transaction nonce of the outbound sender account",
		}, []string{"eth_network"})
)

const (
	DefaultGasLimit   = 41000
	DefaultQueueSize  = 64
	DefaultRPCTimeout = 15 * time.Second
)

// DefaultGasPrice is 2 gwei.
var DefaultGasPrice = big.NewInt(2 * params.GWei)

// Transactor is the part of the external chain's RPC API the sender uses.
type Transactor interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account ethcommon.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	Close()
}

type DialFunc func(ctx context.Context, url string) (Transactor, error)

func DialEthClient(ctx context.Context, url string) (Transactor, error) {
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dialing eth client failed: %w", err)
	}
	return c, nil
}

type Config struct {
	NetworkName string
	URL         string
	Contract    ethcommon.Address
	Enabled     bool

	GasPrice   *big.Int
	GasLimit   uint64
	QueueSize  int
	RPCTimeout time.Duration
	// MaxTxPerSecond bounds the submission rate. Zero means unlimited.
	MaxTxPerSecond float64
}

type Sender struct {
	cfg  Config
	key  *ecdsa.PrivateKey
	from ethcommon.Address

	releaseC chan *common.Release
	outbox   db.ReleaseDB
	limiter  *rate.Limiter
	dial     DialFunc
}

// New creates the sender of one chain. outbox may be nil, in which case nothing survives a restart.
func New(cfg Config, key *ecdsa.PrivateKey, outbox db.ReleaseDB) *Sender {
	if cfg.GasPrice == nil {
		cfg.GasPrice = DefaultGasPrice
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = DefaultGasLimit
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.RPCTimeout == 0 {
		cfg.RPCTimeout = DefaultRPCTimeout
	}
	if outbox == nil {
		outbox = &db.MockReleaseDB{}
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.MaxTxPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxTxPerSecond), 1)
	}
	return &Sender{
		cfg:      cfg,
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		releaseC: make(chan *common.Release, cfg.QueueSize),
		outbox:   outbox,
		limiter:  limiter,
		dial:     DialEthClient,
	}
}

// WithDialer replaces the function used to connect to the chain.
func (s *Sender) WithDialer(dial DialFunc) *Sender {
	s.dial = dial
	return s
}

// C is the sender's inbound queue. The sender is its only consumer.
func (s *Sender) C() chan<- *common.Release {
	return s.releaseC
}

// session is the per-connection state of a running sender.
type session struct {
	conn   Transactor
	signer types.Signer
	nonce  uint64
}

func (s *Sender) Run(ctx context.Context) error {
	logger := supervisor.Logger(ctx)

	if !s.cfg.Enabled {
		supervisor.Signal(ctx, supervisor.SignalHealthy)
		logger.Info("sender disabled, dropping releases", zap.String("networkName", s.cfg.NetworkName))
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case r := <-s.releaseC:
				releasesSent.WithLabelValues(s.cfg.NetworkName, "disabled").Inc()
				logger.Debug("sender disabled, dropping release", r.ZapFields()...)
			}
		}
	}

	sess, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer sess.conn.Close()

	readiness.SetReady(common.ReadinessSenderConnected(s.cfg.NetworkName))
	supervisor.Signal(ctx, supervisor.SignalHealthy)
	logger.Info("sender connected",
		zap.String("networkName", s.cfg.NetworkName),
		zap.String("url", s.cfg.URL),
		zap.Stringer("contract", s.cfg.Contract),
		zap.Stringer("from", s.from),
		zap.Uint64("nonce", sess.nonce),
		zap.Stringer("gasPrice", s.cfg.GasPrice),
		zap.Uint64("gasLimit", s.cfg.GasLimit))

	pending, err := s.outbox.GetPendingReleases(s.cfg.NetworkName)
	if err != nil {
		return fmt.Errorf("failed to read outbox: %w", err)
	}
	if len(pending) > 0 {
		logger.Info("resubmitting pending releases", zap.Int("count", len(pending)))
	}
	for _, p := range pending {
		if err := s.send(ctx, logger, sess, p); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-s.releaseC:
			released, err := s.outbox.IsReleased(s.cfg.NetworkName, r.ID)
			if err != nil {
				return fmt.Errorf("failed to read outbox: %w", err)
			}
			if released {
				releasesSent.WithLabelValues(s.cfg.NetworkName, "already_released").Inc()
				logger.Info("message already released, skipping", r.ZapFields()...)
				continue
			}
			p := &db.PendingRelease{
				Chain:      s.cfg.NetworkName,
				ID:         r.ID,
				Message:    r.Message,
				Signatures: r.Signatures,
			}
			if err := s.outbox.StorePendingRelease(p); err != nil {
				return fmt.Errorf("failed to store pending release: %w", err)
			}
			if err := s.send(ctx, logger, sess, p); err != nil {
				return err
			}
		}
	}
}

func (s *Sender) connect(ctx context.Context) (*session, error) {
	timeout, cancel := context.WithTimeout(ctx, s.cfg.RPCTimeout)
	defer cancel()

	conn, err := s.dial(timeout, s.cfg.URL)
	if err != nil {
		return nil, err
	}
	chainID, err := conn.ChainID(timeout)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to query chain id: %w", err)
	}
	nonce, err := conn.PendingNonceAt(timeout, s.from)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to query transaction count of %s: %w", s.from, err)
	}
	senderNonce.WithLabelValues(s.cfg.NetworkName).Set(float64(nonce))
	return &session{conn: conn, signer: types.NewEIP155Signer(chainID), nonce: nonce}, nil
}

// send submits one release. A failed submission is logged and leaves both the nonce and the outbox entry untouched.
// Only a canceled context is returned as an error.
func (s *Sender) send(ctx context.Context, logger *zap.Logger, sess *session, p *db.PendingRelease) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return ctx.Err()
	}

	fields := []zap.Field{zap.Stringer("msgID", p.ID), zap.Uint64("nonce", sess.nonce)}
	data, err := ethabi.PackRelease(p.Message, p.Signatures)
	if err != nil {
		releasesSent.WithLabelValues(s.cfg.NetworkName, "encode_error").Inc()
		logger.Error("failed to encode release", append(fields, zap.Error(err))...)
		return nil
	}
	tx := types.NewTransaction(sess.nonce, s.cfg.Contract, big.NewInt(0), s.cfg.GasLimit, s.cfg.GasPrice, data)
	signed, err := types.SignTx(tx, sess.signer, s.key)
	if err != nil {
		releasesSent.WithLabelValues(s.cfg.NetworkName, "sign_error").Inc()
		logger.Error("failed to sign release", append(fields, zap.Error(err))...)
		return nil
	}

	timeout, cancel := context.WithTimeout(ctx, s.cfg.RPCTimeout)
	defer cancel()
	if err := sess.conn.SendTransaction(timeout, signed); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		releasesSent.WithLabelValues(s.cfg.NetworkName, "send_error").Inc()
		logger.Error("failed to send release transaction", append(fields, zap.Error(err))...)
		return nil
	}

	sess.nonce++
	senderNonce.WithLabelValues(s.cfg.NetworkName).Set(float64(sess.nonce))
	releasesSent.WithLabelValues(s.cfg.NetworkName, "sent").Inc()
	logger.Info("release transaction sent", append(fields, zap.Stringer("txHash", signed.Hash()))...)

	if err := s.outbox.MarkReleased(s.cfg.NetworkName, p.ID, signed.Hash()); err != nil {
		return fmt.Errorf("failed to mark %s released: %w", p.ID, err)
	}
	return nil
}
