package node

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jingzhongxu/ladder/pkg/common"
	"github.com/jingzhongxu/ladder/pkg/db"
	"github.com/jingzhongxu/ladder/pkg/ledger"
	"github.com/jingzhongxu/ladder/pkg/ledger/devledger"
	"github.com/jingzhongxu/ladder/pkg/oracle"
	"github.com/jingzhongxu/ladder/pkg/readiness"
	"github.com/jingzhongxu/ladder/pkg/relay"
	"github.com/jingzhongxu/ladder/pkg/sender"
	"github.com/jingzhongxu/ladder/pkg/submitter"
	"github.com/jingzhongxu/ladder/pkg/supervisor"
	"github.com/jingzhongxu/ladder/pkg/watchers/evm"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type BridgeOption struct {
	name         string
	dependencies []string                                     // Array of other option's `name`. These options need to be configured before this option. Dependencies are enforced at runtime.
	f            func(context.Context, *zap.Logger, *G) error // Function that is run by the constructor to initialize this component.
}

// senderRestartInterval is the delay before a sender that lost its connection or outbox reconnects.
const senderRestartInterval = 5 * time.Second

// BridgeOptionDatabase sets the database holding the senders' outbox.
// Dependencies: none
func BridgeOptionDatabase(db *db.Database) *BridgeOption {
	return &BridgeOption{
		name: "db",
		f: func(ctx context.Context, logger *zap.Logger, g *G) error {
			g.db = db
			return nil
		}}
}

// BridgeOptionLedger connects the node to a running ledger.
// Dependencies: none
func BridgeOptionLedger(client ledger.Client) *BridgeOption {
	return &BridgeOption{
		name: "ledger",
		f: func(ctx context.Context, logger *zap.Logger, g *G) error {
			g.ledger = client
			return nil
		}}
}

// BridgeOptionDevLedger runs an in-process development ledger producing a block every blockTime and connects the
// node to it. It is mutually exclusive with BridgeOptionLedger.
// Dependencies: none
func BridgeOptionDevLedger(l *devledger.Ledger, blockTime time.Duration) *BridgeOption {
	return &BridgeOption{
		name: "ledger",
		f: func(ctx context.Context, logger *zap.Logger, g *G) error {
			if g.env == common.MainNet {
				return errors.New("the development ledger cannot be used on mainnet")
			}
			g.ledger = l.Client()
			return g.addRunnable("devledger", supervisor.RestartExponential(), l.Run(blockTime), false)
		}}
}

// BridgeOptionSubmitter enables the submission client turning observed events into ledger transactions.
// Dependencies: ledger
func BridgeOptionSubmitter(timeout time.Duration) *BridgeOption {
	return &BridgeOption{
		name:         "submitter",
		dependencies: []string{"ledger"},
		f: func(ctx context.Context, logger *zap.Logger, g *G) error {
			s, err := submitter.New(ctx, logger.Named("submitter"), g.ledger, g.accountKey, g.bridgeKey, timeout)
			if err != nil {
				return err
			}
			g.submitter = s
			logger.Info("submission client configured", zap.Stringer("account", s.Account()))
			return g.addRunnable("submitter", supervisor.RestartExponential(), s.Run, false)
		}}
}

// BridgeOptionWatchers configures one watcher per chain, each handing its events to the submission client.
// Watchers are not restarted once they exit with a non-timeout error. A disabled listener configures nothing.
// Dependencies: submitter
func BridgeOptionWatchers(chains []ChainConfig, strategy Strategy, stateDir string, rpcTimeout time.Duration) *BridgeOption {
	return &BridgeOption{
		name:         "watchers",
		dependencies: []string{"submitter"},
		f: func(ctx context.Context, logger *zap.Logger, g *G) error {
			if !strategy.Listener {
				logger.Info("listener disabled, not watching external chains")
				return nil
			}
			if err := ValidateChains(chains); err != nil {
				return err
			}
			if stateDir == "" {
				return errors.New("a state directory is required to run the watchers")
			}

			for _, c := range chains {
				w := evm.NewWatcher(evm.Config{
					NetworkName:   c.Name,
					URL:           c.URL,
					Contract:      c.Contract,
					StateDir:      stateDir,
					StartHeight:   c.StartHeight,
					Confirmations: c.Confirmations,
					RPCTimeout:    rpcTimeout,
				}, g.submitter)
				if c.watcherDialer != nil {
					w.WithDialer(c.watcherDialer)
				}

				readiness.RegisterComponent(common.ReadinessWatcherSyncing(c.Name))
				if err := g.addRunnable(c.Name+"_watch", supervisor.RestartNever(), w.Run, true); err != nil {
					return err
				}
				logger.Info("watcher configured", zap.String("chain", c.Name), zap.String("url", c.URL), zap.Stringer("contract", c.Contract))
			}
			return nil
		}}
}

// BridgeOptionSenders configures one outbound sender per chain and registers its queue as the relay route for the
// chain's tag. Senders persist their queue in the database outbox.
// Dependencies: db
func BridgeOptionSenders(chains []ChainConfig, strategy Strategy, rpcTimeout time.Duration) *BridgeOption {
	return &BridgeOption{
		name:         "senders",
		dependencies: []string{"db"},
		f: func(ctx context.Context, logger *zap.Logger, g *G) error {
			if err := ValidateChains(chains); err != nil {
				return err
			}

			var outbox db.ReleaseDB
			if g.db != nil {
				outbox = g.db
			}

			for _, c := range chains {
				s := sender.New(sender.Config{
					NetworkName:    c.Name,
					URL:            c.URL,
					Contract:       c.Contract,
					Enabled:        strategy.Sender,
					GasPrice:       c.GasPrice,
					GasLimit:       c.GasLimit,
					RPCTimeout:     rpcTimeout,
					MaxTxPerSecond: c.MaxTxPerSecond,
				}, g.bridgeKey, outbox)
				if c.senderDialer != nil {
					s.WithDialer(c.senderDialer)
				}

				if strategy.Sender {
					readiness.RegisterComponent(common.ReadinessSenderConnected(c.Name))
				}
				if err := g.addRunnable(c.Name+"_send", supervisor.RestartFixed(senderRestartInterval), s.Run, true); err != nil {
					return err
				}
				g.routes = append(g.routes, relay.Route{Tag: c.Tag, Chain: c.Name, C: s.C()})
				logger.Info("sender configured", zap.String("chain", c.Name), zap.Bool("enabled", strategy.Sender), zap.Stringer("tag", c.Tag))
			}
			return nil
		}}
}

// BridgeOptionRelay routes ledger confirmations to the senders. The relay stops for good once the ledger closes its
// notification stream.
// Dependencies: ledger, senders
func BridgeOptionRelay() *BridgeOption {
	return &BridgeOption{
		name:         "relay",
		dependencies: []string{"ledger", "senders"},
		f: func(ctx context.Context, logger *zap.Logger, g *G) error {
			r, err := relay.New(g.ledger, g.routes...)
			if err != nil {
				return err
			}
			readiness.RegisterComponent(common.ReadinessLedgerSubscribed)
			return g.addRunnable("relay", supervisor.RestartNever(), r.Run, true)
		}}
}

// BridgeOptionOracle polls the exchange rate feed while the local account is a validator.
// Dependencies: submitter
func BridgeOptionOracle(url string, interval time.Duration) *BridgeOption {
	return &BridgeOption{
		name:         "oracle",
		dependencies: []string{"submitter"},
		f: func(ctx context.Context, logger *zap.Logger, g *G) error {
			if url == "" {
				return nil
			}
			o := oracle.New(url, interval, g.submitter)
			return g.addRunnable("oracle", supervisor.RestartExponential(), o.Run, false)
		}}
}

// BridgeOptionStatusServer serves readiness and metrics on statusAddr. An empty address disables it.
// Dependencies: none
func BridgeOptionStatusServer(statusAddr string) *BridgeOption {
	return &BridgeOption{
		name: "status-server",
		f: func(_ context.Context, _ *zap.Logger, g *G) error {
			if statusAddr == "" {
				return nil
			}
			// Use a custom routing instead of using http.DefaultServeMux directly to avoid accidentally exposing packages
			// that register themselves with it by default (like pprof).
			router := mux.NewRouter()

			// pprof server. NOT necessarily safe to expose publicly - only enable it in dev mode to avoid exposing it by
			// accident.
			if g.env == common.UnsafeDevNet || g.env == common.GoTest {
				router.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)
			}

			router.HandleFunc("/readyz", readiness.Handler)
			router.Handle("/metrics", promhttp.Handler())

			// SECURITY: If making changes, ensure that we always do `router := mux.NewRouter()` before this to avoid accidentally exposing pprof
			server := &http.Server{
				Addr:              statusAddr,
				Handler:           router,
				ReadHeaderTimeout: time.Second, // SECURITY defense against Slowloris Attack
				ReadTimeout:       time.Second,
				WriteTimeout:      time.Second,
			}

			return g.addRunnable("status_server", supervisor.RestartExponential(), supervisor.HTTPServer(server), false)
		}}
}
