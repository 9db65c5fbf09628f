// Package oracle polls an exchange rate feed while the local account is a ledger validator. Quotes are logged and
// exported as metrics only; nothing is written back to the ledger.
package oracle

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jingzhongxu/ladder/pkg/ledger"
	"github.com/jingzhongxu/ladder/pkg/supervisor"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

var (
	exchangeRate = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_oracle_exchange_rate",
			Help: "Last exchange rate quote fetched by the oracle",
		})
	exchangeRateTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_oracle_exchange_rate_timestamp",
			Help: "Timestamp reported by the feed for the last quote",
		})
	oraclePolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_oracle_polls_total",
			Help: "Total number of oracle poll cycles, by result",
		}, []string{"result"})
)

const (
	DefaultURL      = "http://api.coindog.com/api/v1/tick/BITFINEX:ETHUSD?unit=cny"
	DefaultInterval = 5 * time.Second
	requestTimeout  = 10 * time.Second
	maxBodySize     = 1 << 20
)

// Gate tells whether the local account currently is a validator.
type Gate interface {
	CheckValidator(ctx context.Context) (ledger.Head, bool, error)
}

type Quote struct {
	Close    float64
	DateTime uint64
}

type Oracle struct {
	url      string
	interval time.Duration
	gate     Gate
	client   *http.Client
}

func New(url string, interval time.Duration, gate Gate) *Oracle {
	if url == "" {
		url = DefaultURL
	}
	if interval == 0 {
		interval = DefaultInterval
	}
	return &Oracle{
		url:      url,
		interval: interval,
		gate:     gate,
		client:   &http.Client{Timeout: requestTimeout},
	}
}

func (o *Oracle) Run(ctx context.Context) error {
	logger := supervisor.Logger(ctx)
	supervisor.Signal(ctx, supervisor.SignalHealthy)
	logger.Info("exchange rate oracle started", zap.String("url", o.url), zap.Duration("interval", o.interval))

	t := time.NewTicker(o.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			o.poll(ctx, logger)
		}
	}
}

func (o *Oracle) poll(ctx context.Context, logger *zap.Logger) {
	head, ok, err := o.gate.CheckValidator(ctx)
	if err != nil {
		oraclePolls.WithLabelValues("gate_error").Inc()
		logger.Warn("failed to check validator status", zap.Error(err))
		return
	}
	if !ok {
		oraclePolls.WithLabelValues("not_validator").Inc()
		logger.Debug("not a validator, skipping quote", zap.Uint64("head", uint64(head.Number)))
		return
	}

	q, err := o.Fetch(ctx)
	if err != nil {
		oraclePolls.WithLabelValues("fetch_error").Inc()
		logger.Warn("failed to fetch exchange rate", zap.Error(err))
		return
	}
	oraclePolls.WithLabelValues("ok").Inc()
	exchangeRate.Set(q.Close)
	exchangeRateTime.Set(float64(q.DateTime))
	logger.Info("exchange rate", zap.Float64("close", q.Close), zap.Uint64("dateTime", q.DateTime))
}

// Fetch requests one quote from the feed.
func (o *Oracle) Fetch(ctx context.Context) (*Quote, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed returned %s", resp.Status)
	}
	return ParseQuote(body)
}

// ParseQuote decodes a feed response. Only the close and dateTime fields are used.
func ParseQuote(body []byte) (*Quote, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("feed response is not valid JSON")
	}
	parsed := gjson.ParseBytes(body)
	closeField := parsed.Get("close")
	dateTime := parsed.Get("dateTime")
	if !closeField.Exists() || !dateTime.Exists() {
		return nil, fmt.Errorf("feed response lacks close or dateTime")
	}
	return &Quote{Close: closeField.Float(), DateTime: dateTime.Uint()}, nil
}
