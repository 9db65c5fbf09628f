// Package relay follows the ledger's event storage and routes every confirmed ingress message to the outbound
// sender of the chain its destination tag names.
package relay

import (
	"context"
	"fmt"

	"github.com/jingzhongxu/ladder/pkg/common"
	"github.com/jingzhongxu/ladder/pkg/ledger"
	"github.com/jingzhongxu/ladder/pkg/readiness"
	"github.com/jingzhongxu/ladder/pkg/supervisor"

	ethcommon "github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	relayEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_relay_ledger_events_total",
			Help: "Total number of ledger events decoded by the relay, by kind",
		}, []string{"kind"})
	relayRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_relay_routed_total",
			Help: "Total number of confirmed messages routed to an outbound sender",
		}, []string{"chain"})
	relayDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_relay_dropped_total",
			Help: "Total number of confirmed messages the relay dropped, by reason",
		}, []string{"reason"})
)

const seenCacheSize = 4096

// Route delivers releases tagged Tag to the sender of Chain.
type Route struct {
	Tag   common.ChainTag
	Chain string
	C     chan<- *common.Release
}

type Relay struct {
	client ledger.Client
	routes map[common.ChainTag]Route
	// Message IDs already routed. A confirmation is emitted once per message, this only guards against a ledger
	// client redelivering a change set.
	seen *lru.Cache
}

func New(client ledger.Client, routes ...Route) (*Relay, error) {
	r := &Relay{
		client: client,
		routes: make(map[common.ChainTag]Route, len(routes)),
	}
	for _, route := range routes {
		if _, ok := r.routes[route.Tag]; ok {
			return nil, fmt.Errorf("duplicate route for tag %s", route.Tag)
		}
		r.routes[route.Tag] = route
	}
	seen, err := lru.New(seenCacheSize)
	if err != nil {
		return nil, err
	}
	r.seen = seen
	return r, nil
}

// Run forwards confirmations until ctx is canceled or the ledger closes the stream. A closed stream ends the relay
// for good.
func (r *Relay) Run(ctx context.Context) error {
	logger := supervisor.Logger(ctx)

	changes := make(chan *ledger.ChangeSet, 16)
	sub, err := r.client.SubscribeStorageChanges(ctx, []ethcommon.Hash{ledger.EventsStorageKey}, changes)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	readiness.SetReady(common.ReadinessLedgerSubscribed)
	supervisor.Signal(ctx, supervisor.SignalHealthy)
	logger.Info("following ledger events", zap.Int("routes", len(r.routes)))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			if err != nil {
				return fmt.Errorf("ledger event stream failed: %w", err)
			}
			logger.Info("ledger event stream closed, relay stopped")
			supervisor.Signal(ctx, supervisor.SignalDone)
			return nil
		case cs := <-changes:
			if err := r.handle(ctx, logger, cs); err != nil {
				return err
			}
		}
	}
}

func (r *Relay) handle(ctx context.Context, logger *zap.Logger, cs *ledger.ChangeSet) error {
	for _, change := range cs.Changes {
		if change.Key != ledger.EventsStorageKey || change.Data == nil {
			continue
		}
		records, err := ledger.DecodeEventRecords(change.Data)
		if err != nil {
			relayDropped.WithLabelValues("undecodable").Inc()
			logger.Error("failed to decode ledger events", zap.Stringer("block", cs.Block), zap.Error(err))
			continue
		}

		for i := range records {
			record := &records[i]
			relayEvents.WithLabelValues(record.Kind.String()).Inc()
			if record.Kind != ledger.EventIngressConfirmed {
				continue
			}
			release, err := r.release(cs, record)
			if err != nil {
				relayDropped.WithLabelValues("malformed").Inc()
				logger.Warn("dropping malformed confirmation", zap.Stringer("block", cs.Block), zap.Error(err))
				continue
			}
			if err := r.route(ctx, logger, release); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Relay) release(cs *ledger.ChangeSet, record *ledger.EventRecord) (*common.Release, error) {
	confirmed, err := record.Confirmed()
	if err != nil {
		return nil, err
	}
	ev, err := common.ParseIngressEvent(confirmed.Message)
	if err != nil {
		return nil, err
	}
	return &common.Release{
		ID:           common.NewMessageID(confirmed.Message),
		Message:      confirmed.Message,
		Signatures:   confirmed.Signatures(),
		Destination:  ev.Tag,
		LedgerBlock:  cs.Block,
		LedgerNumber: uint64(cs.Number),
	}, nil
}

func (r *Relay) route(ctx context.Context, logger *zap.Logger, release *common.Release) error {
	route, ok := r.routes[release.Destination]
	if !ok {
		relayDropped.WithLabelValues("unknown_tag").Inc()
		logger.Warn("confirmation for unknown destination, dropping", release.ZapFields()...)
		return nil
	}
	if ok, _ := r.seen.ContainsOrAdd(release.ID, struct{}{}); ok {
		relayDropped.WithLabelValues("duplicate").Inc()
		logger.Debug("confirmation already routed", release.ZapFields()...)
		return nil
	}

	logger.Info("routing confirmation", release.ZapFields(zap.String("chain", route.Chain))...)
	if !common.SendOnChannel(ctx, route.C, release) {
		return ctx.Err()
	}
	relayRouted.WithLabelValues(route.Chain).Inc()
	return nil
}
