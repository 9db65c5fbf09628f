package node

import (
	"context"
	"crypto/ecdsa"
	"fmt"

	"github.com/jingzhongxu/ladder/pkg/common"
	"github.com/jingzhongxu/ladder/pkg/db"
	"github.com/jingzhongxu/ladder/pkg/ledger"
	"github.com/jingzhongxu/ladder/pkg/relay"
	"github.com/jingzhongxu/ladder/pkg/submitter"
	"github.com/jingzhongxu/ladder/pkg/supervisor"

	"go.uber.org/zap"
)

type G struct {
	// rootCtxCancel is a context.CancelFunc. It MUST be a root context for any context that is passed to any member function of G.
	// It can be used by components to shut down the entire node if they encounter an unrecoverable state.
	rootCtxCancel context.CancelFunc
	env           common.Environment

	// keys
	accountKey *ecdsa.PrivateKey
	bridgeKey  *ecdsa.PrivateKey

	// components
	db        *db.Database
	ledger    ledger.Client
	submitter *submitter.Submitter
	// routes are registered by the senders and consumed by the relay.
	routes []relay.Route

	// runnables
	runnablesWithScissors map[string]policyRunnable
	runnables             map[string]policyRunnable
}

type policyRunnable struct {
	policy   supervisor.RestartPolicy
	runnable supervisor.Runnable
}

func NewBridgeNode(
	env common.Environment,
	accountKey *ecdsa.PrivateKey,
	bridgeKey *ecdsa.PrivateKey,
) *G {
	g := G{
		env:        env,
		accountKey: accountKey,
		bridgeKey:  bridgeKey,
	}
	return &g
}

// initializeBasic sets up everything that every bridge node needs before any options can be applied.
func (g *G) initializeBasic(rootCtxCancel context.CancelFunc) {
	g.rootCtxCancel = rootCtxCancel

	// allocate maps
	g.runnablesWithScissors = make(map[string]policyRunnable)
	g.runnables = make(map[string]policyRunnable)
}

// applyOptions applies `options` to the node.
// Each option must have a unique option.name.
// If an option has `dependencies`, they must be defined before that option.
func (g *G) applyOptions(ctx context.Context, logger *zap.Logger, options []*BridgeOption) error {
	configuredComponents := make(map[string]struct{})

	for _, option := range options {
		if _, ok := configuredComponents[option.name]; ok {
			return fmt.Errorf("Component %s is already configured and cannot be configured a second time.", option.name)
		}

		for _, dep := range option.dependencies {
			if _, ok := configuredComponents[dep]; !ok {
				return fmt.Errorf("Component %s requires %s to be configured first. Check the order of your options.", option.name, dep)
			}
		}

		if err := option.f(ctx, logger, g); err != nil {
			return fmt.Errorf("Error applying option for component %s: %w", option.name, err)
		}

		configuredComponents[option.name] = struct{}{}
	}

	return nil
}

// addRunnable registers a runnable under a name not used yet.
func (g *G) addRunnable(name string, policy supervisor.RestartPolicy, runnable supervisor.Runnable, withScissors bool) error {
	_, taken := g.runnables[name]
	_, takenWithScissors := g.runnablesWithScissors[name]
	if taken || takenWithScissors {
		return fmt.Errorf("runnable %s is already registered", name)
	}
	if withScissors {
		g.runnablesWithScissors[name] = policyRunnable{policy, runnable}
	} else {
		g.runnables[name] = policyRunnable{policy, runnable}
	}
	return nil
}

func (g *G) Run(rootCtxCancel context.CancelFunc, options ...*BridgeOption) supervisor.Runnable {
	return func(ctx context.Context) error {
		logger := supervisor.Logger(ctx)

		g.initializeBasic(rootCtxCancel)
		if err := g.applyOptions(ctx, logger, options); err != nil {
			logger.Fatal("failed to initialize bridge node", zap.Error(err))
		}
		logger.Info("bridge node initialization done.")

		if g.ledger != nil {
			defer g.ledger.Close()
		}

		// Start the watchers
		for name, r := range g.runnablesWithScissors {
			logger.Info("Starting runnablesWithScissors: " + name)
			if err := supervisor.RunWithPolicy(ctx, name, r.policy, common.WrapWithScissors(r.runnable, name)); err != nil {
				logger.Fatal("error starting runnablesWithScissors", zap.Error(err))
			}
		}

		// Start any other runnables
		for name, r := range g.runnables {
			if err := supervisor.RunWithPolicy(ctx, name, r.policy, r.runnable); err != nil {
				logger.Fatal("failed to start other runnable", zap.Error(err))
			}
		}

		logger.Info("Started internal services")
		supervisor.Signal(ctx, supervisor.SignalHealthy)

		<-ctx.Done()

		return nil
	}
}
