// Package evm watches the bridge contract on one external EVM chain and forwards its events for submission to the
// ledger. The watcher polls eth_getLogs from the block after its persisted cursor and advances the cursor once every
// event of a block has been submitted.
package evm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jingzhongxu/ladder/pkg/common"
	"github.com/jingzhongxu/ladder/pkg/cursor"
	"github.com/jingzhongxu/ladder/pkg/ethabi"
	"github.com/jingzhongxu/ladder/pkg/readiness"
	"github.com/jingzhongxu/ladder/pkg/supervisor"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	ethConnectionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_eth_connection_errors_total",
			Help: "Total number of external chain connection errors (either during initial connection or while watching)",
		}, []string{"eth_network", "reason"})
	ethMessagesObserved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_eth_messages_observed_total",
			Help: "Total number of bridge events observed on the external chain",
		}, []string{"eth_network", "type"})
	currentEthHeight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridge_eth_current_height",
			Help: "Current external chain block height",
		}, []string{"eth_network"})
	cursorHeight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridge_eth_cursor_height",
			Help: "Last external chain block whose bridge events have been processed",
		}, []string{"eth_network"})
	submitFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_eth_submit_failures_total",
			Help: "Total number of observed bridge events the submission client failed to handle",
		}, []string{"eth_network"})
	queryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "bridge_eth_query_latency",
			Help: "Latency histogram for external chain RPC calls",
		}, []string{"eth_network", "operation"})
)

const (
	DefaultPollInterval  = 2 * time.Second
	DefaultRetryInterval = 5 * time.Second
	DefaultRPCTimeout    = 15 * time.Second
	DefaultBatchSize     = 200
)

type Config struct {
	// NetworkName is the human-readable name of the chain, used in logs, metrics and the cursor file name.
	NetworkName string
	URL         string
	Contract    ethcommon.Address
	StateDir    string
	// StartHeight is the first block scanned when no cursor has been persisted yet.
	StartHeight uint64
	// Confirmations is the number of blocks a log must be buried under before it is forwarded.
	Confirmations uint64

	PollInterval  time.Duration
	RetryInterval time.Duration
	RPCTimeout    time.Duration
	BatchSize     uint64
}

// MessageSubmitter handles the events observed by a watcher. The cursor only moves past an event once Submit
// returned nil for it.
type MessageSubmitter interface {
	Submit(ctx context.Context, msg *common.RelayMessage) error
}

// errSubmit marks a failed submission. The watcher retries from its cursor after RetryInterval.
var errSubmit = errors.New("failed to submit bridge event")

type Watcher struct {
	cfg       Config
	submitter MessageSubmitter

	readinessSync readiness.Component
	dial          DialFunc
	topics        []ethcommon.Hash
}

func NewWatcher(cfg Config, submitter MessageSubmitter) *Watcher {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.RPCTimeout == 0 {
		cfg.RPCTimeout = DefaultRPCTimeout
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Watcher{
		cfg:           cfg,
		submitter:     submitter,
		readinessSync: common.ReadinessWatcherSyncing(cfg.NetworkName),
		dial:          DialEthClient,
		topics:        ethabi.EventTopics(),
	}
}

// WithDialer replaces the function used to connect to the chain.
func (w *Watcher) WithDialer(dial DialFunc) *Watcher {
	w.dial = dial
	return w
}

// Run watches the chain until ctx is canceled. Timeouts and failed submissions are retried after RetryInterval
// without advancing the cursor; any other error is returned.
func (w *Watcher) Run(ctx context.Context) error {
	logger := supervisor.Logger(ctx)
	logger.Info("Starting watcher",
		zap.String("watcher_name", "evm"),
		zap.String("url", w.cfg.URL),
		zap.Stringer("contract", w.cfg.Contract),
		zap.String("networkName", w.cfg.NetworkName),
		zap.Uint64("confirmations", w.cfg.Confirmations),
	)

	cur, err := cursor.Open(w.cfg.StateDir, w.cfg.NetworkName, w.cfg.StartHeight)
	if err != nil {
		return err
	}
	cursorHeight.WithLabelValues(w.cfg.NetworkName).Set(float64(cur.Height()))
	logger.Info("loaded cursor", zap.Uint64("next", cur.Next()))

	conn, err := w.connect(ctx, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	supervisor.Signal(ctx, supervisor.SignalHealthy)

	t := time.NewTicker(w.cfg.PollInterval)
	defer t.Stop()
	for {
		err := w.poll(ctx, logger, conn, cur)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err == nil:
		case isTimeout(err):
			ethConnectionErrors.WithLabelValues(w.cfg.NetworkName, "timeout").Inc()
			logger.Error("request timed out, retrying", zap.Duration("retryIn", w.cfg.RetryInterval), zap.Error(err))
			if !sleep(ctx, w.cfg.RetryInterval) {
				return ctx.Err()
			}
			continue
		case errors.Is(err, errSubmit):
			submitFailures.WithLabelValues(w.cfg.NetworkName).Inc()
			logger.Error("submission failed, retrying from cursor",
				zap.Int64("cursor", cur.Height()), zap.Duration("retryIn", w.cfg.RetryInterval), zap.Error(err))
			if !sleep(ctx, w.cfg.RetryInterval) {
				return ctx.Err()
			}
			continue
		default:
			ethConnectionErrors.WithLabelValues(w.cfg.NetworkName, "fatal").Inc()
			return fmt.Errorf("watcher for %s failed: %w", w.cfg.NetworkName, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// connect dials the chain, retrying the same attempt as long as it times out.
func (w *Watcher) connect(ctx context.Context, logger *zap.Logger) (Connector, error) {
	for {
		timeout, cancel := context.WithTimeout(ctx, w.cfg.RPCTimeout)
		conn, err := w.dial(timeout, w.cfg.URL)
		cancel()
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !isTimeout(err) {
			ethConnectionErrors.WithLabelValues(w.cfg.NetworkName, "dial_error").Inc()
			return nil, err
		}
		ethConnectionErrors.WithLabelValues(w.cfg.NetworkName, "dial_timeout").Inc()
		logger.Error("connection timed out, retrying", zap.Duration("retryIn", w.cfg.RetryInterval), zap.Error(err))
		if !sleep(ctx, w.cfg.RetryInterval) {
			return nil, ctx.Err()
		}
	}
}

// poll forwards the events of every confirmed block after the cursor.
func (w *Watcher) poll(ctx context.Context, logger *zap.Logger, conn Connector, cur *cursor.Cursor) error {
	latest, err := w.blockNumber(ctx, conn)
	if err != nil {
		return err
	}
	currentEthHeight.WithLabelValues(w.cfg.NetworkName).Set(float64(latest))
	readiness.SetReady(w.readinessSync)

	if latest < w.cfg.Confirmations {
		return nil
	}
	target := latest - w.cfg.Confirmations

	for from := cur.Next(); from <= target; {
		to := from + w.cfg.BatchSize - 1
		if to > target {
			to = target
		}
		if err := w.processRange(ctx, logger, conn, cur, from, to); err != nil {
			return err
		}
		from = to + 1
	}
	return nil
}

func (w *Watcher) processRange(ctx context.Context, logger *zap.Logger, conn Connector, cur *cursor.Cursor, from, to uint64) error {
	timeout, cancel := context.WithTimeout(ctx, w.cfg.RPCTimeout)
	defer cancel()
	start := time.Now()
	logs, err := conn.FilterLogs(timeout, filterQuery(w.cfg.Contract, w.topics, from, to))
	queryLatency.WithLabelValues(w.cfg.NetworkName, "get_logs").Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("failed to query logs in [%d, %d]: %w", from, to, err)
	}

	for _, log := range logs {
		if log.Removed {
			continue
		}
		if log.BlockNumber < from || log.BlockNumber > to {
			return fmt.Errorf("node returned log of block %d outside of [%d, %d]", log.BlockNumber, from, to)
		}
		// Every log of the blocks below this one has been submitted.
		if log.BlockNumber > from {
			if err := w.advance(cur, log.BlockNumber-1); err != nil {
				return err
			}
		}

		relayType, message, err := ethabi.ParseLog(log)
		if err != nil {
			if errors.Is(err, ethabi.ErrUnknownEvent) {
				continue
			}
			logger.Error("failed to parse bridge event, skipping",
				zap.Stringer("txHash", log.TxHash),
				zap.Uint64("blockNumber", log.BlockNumber),
				zap.Error(err))
			continue
		}

		msg := &common.RelayMessage{
			Type:        relayType,
			Payload:     message,
			SourceChain: w.cfg.NetworkName,
			TxHash:      log.TxHash,
			BlockNumber: log.BlockNumber,
			LogIndex:    log.Index,
		}
		logger.Info("bridge event observed", msg.ZapFields()...)
		ethMessagesObserved.WithLabelValues(w.cfg.NetworkName, relayType.String()).Inc()
		if err := w.submitter.Submit(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w at block %d: %v", errSubmit, log.BlockNumber, err)
		}
	}

	return w.advance(cur, to)
}

func (w *Watcher) advance(cur *cursor.Cursor, height uint64) error {
	if int64(height) <= cur.Height() {
		return nil
	}
	if err := cur.Advance(height); err != nil {
		return fmt.Errorf("failed to persist cursor: %w", err)
	}
	cursorHeight.WithLabelValues(w.cfg.NetworkName).Set(float64(height))
	return nil
}

func (w *Watcher) blockNumber(ctx context.Context, conn Connector) (uint64, error) {
	timeout, cancel := context.WithTimeout(ctx, w.cfg.RPCTimeout)
	defer cancel()
	start := time.Now()
	n, err := conn.BlockNumber(timeout)
	queryLatency.WithLabelValues(w.cfg.NetworkName, "block_number").Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to query block number: %w", err)
	}
	return n, nil
}

// sleep waits for d and reports whether ctx is still live.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
