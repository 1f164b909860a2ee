package metrics

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics methods are safe to call on a nil receiver.
type Metrics struct {
	HTTPRequests      metric.Int64Counter
	HTTPDuration      metric.Float64Histogram
	CacheHits         metric.Int64Counter
	CacheMisses       metric.Int64Counter
	ActiveConnections metric.Int64UpDownCounter
	BetAttempts       metric.Int64Counter
	ConfirmDuration   metric.Float64Histogram
	ChainErrors       metric.Int64Counter
	TradesRecorded    metric.Int64Counter
}

func Setup(serviceName string) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	m, err := New(provider.Meter(serviceName))
	if err != nil {
		return nil, nil, err
	}
	return m, promhttp.Handler(), nil
}

// New creates the instrument set on meter.
func New(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.HTTPRequests, err = meter.Int64Counter(
		"obs_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, err
	}

	m.HTTPDuration, err = meter.Float64Histogram(
		"obs_http_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
	)
	if err != nil {
		return nil, err
	}

	m.CacheHits, err = meter.Int64Counter(
		"obs_cache_hits_total",
		metric.WithDescription("Total number of cache hits"),
	)
	if err != nil {
		return nil, err
	}

	m.CacheMisses, err = meter.Int64Counter(
		"obs_cache_misses_total",
		metric.WithDescription("Total number of cache misses"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveConnections, err = meter.Int64UpDownCounter(
		"obs_websocket_connections",
		metric.WithDescription("Number of active WebSocket connections"),
	)
	if err != nil {
		return nil, err
	}

	m.BetAttempts, err = meter.Int64Counter(
		"obs_bet_attempts_total",
		metric.WithDescription("Bet attempts by terminal state"),
	)
	if err != nil {
		return nil, err
	}

	m.ConfirmDuration, err = meter.Float64Histogram(
		"obs_bet_confirm_duration_seconds",
		metric.WithDescription("Time from submission to a terminal confirmation state"),
	)
	if err != nil {
		return nil, err
	}

	m.ChainErrors, err = meter.Int64Counter(
		"obs_chain_errors_total",
		metric.WithDescription("Failed chain reads by operation"),
	)
	if err != nil {
		return nil, err
	}

	m.TradesRecorded, err = meter.Int64Counter(
		"obs_trades_recorded_total",
		metric.WithDescription("Trades appended to the mirrored store"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", status),
	)

	m.HTTPRequests.Add(ctx, 1, labels)
	m.HTTPDuration.Record(ctx, duration.Seconds(), labels)
}

// keyFamily drops the id segment so per-market keys share one series.
func keyFamily(key string) string {
	if i := strings.LastIndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}

func (m *Metrics) RecordCacheHit(ctx context.Context, key string) {
	if m == nil {
		return
	}
	m.CacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("key", keyFamily(key))))
}

func (m *Metrics) RecordCacheMiss(ctx context.Context, key string) {
	if m == nil {
		return
	}
	m.CacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("key", keyFamily(key))))
}

func (m *Metrics) IncrementConnections(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveConnections.Add(ctx, 1)
}

func (m *Metrics) DecrementConnections(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveConnections.Add(ctx, -1)
}

func (m *Metrics) RecordBetAttempt(ctx context.Context, state string) {
	if m == nil {
		return
	}
	m.BetAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

func (m *Metrics) RecordConfirmDuration(ctx context.Context, state string, d time.Duration) {
	if m == nil {
		return
	}
	m.ConfirmDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("state", state)))
}

func (m *Metrics) RecordChainError(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.ChainErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

func (m *Metrics) RecordTrade(ctx context.Context, side string) {
	if m == nil {
		return
	}
	m.TradesRecorded.Add(ctx, 1, metric.WithAttributes(attribute.String("side", side)))
}
