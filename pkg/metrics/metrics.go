package metrics

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"runtime"
	"time"

	"github.com/luxfi/log"
	"github.com/luxfi/perps/pkg/lx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// EngineMetrics exports margin engine activity to Prometheus. It implements
// lx.Metrics.
type EngineMetrics struct {
	namespace string
	registry  *prometheus.Registry
	logger    log.Logger

	// Position lifecycle
	positionsOpened     *prometheus.CounterVec
	positionsClosed     *prometheus.CounterVec
	positionsLiquidated *prometheus.CounterVec
	limitOrders         *prometheus.CounterVec
	rejected            *prometheus.CounterVec

	// Pair aggregates
	openInterest *prometheus.GaugeVec
	fundingRate  *prometheus.GaugeVec

	rewardsClaimed  prometheus.Counter
	eventsPublished *prometheus.CounterVec

	// System metrics
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
}

var _ lx.Metrics = (*EngineMetrics)(nil)

// NewEngineMetrics creates and registers the collectors on a private registry
func NewEngineMetrics(namespace string) *EngineMetrics {
	logger := log.Root().New("module", "metrics")
	registry := prometheus.NewRegistry()

	m := &EngineMetrics{
		namespace: namespace,
		registry:  registry,
		logger:    logger,

		positionsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_opened_total",
			Help:      "Positions opened, by pair and direction",
		}, []string{"pair", "direction"}),

		positionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_closed_total",
			Help:      "Positions closed by their trader, by pair and direction",
		}, []string{"pair", "direction"}),

		positionsLiquidated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_liquidated_total",
			Help:      "Positions liquidated, by pair and direction",
		}, []string{"pair", "direction"}),

		limitOrders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "limit_orders_total",
			Help:      "Limit order lifecycle transitions",
		}, []string{"action"}),

		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_operations_total",
			Help:      "Operations rejected, by operation and error kind",
		}, []string{"op", "kind"}),

		openInterest: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_interest",
			Help:      "Open interest in whole collateral units, by pair and side",
		}, []string{"pair", "side"}),

		fundingRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "funding_rate_ppm",
			Help:      "Latest funding rate sample in parts per million per hour",
		}, []string{"pair"}),

		rewardsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "execution_rewards_claimed",
			Help:      "Execution rewards paid out in whole collateral units",
		}),

		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Engine events delivered, by sink",
		}, []string{"sink"}),

		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_bytes",
			Help:      "Current memory usage in bytes",
		}),

		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines_count",
			Help:      "Current number of goroutines",
		}),
	}

	registry.MustRegister(
		m.positionsOpened,
		m.positionsClosed,
		m.positionsLiquidated,
		m.limitOrders,
		m.rejected,
		m.openInterest,
		m.fundingRate,
		m.rewardsClaimed,
		m.eventsPublished,
		m.memoryUsage,
		m.goroutines,
	)
	return m
}

// Registry exposes the underlying registry, mostly for tests
func (m *EngineMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *EngineMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled
func (m *EngineMetrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	m.logger.Info("Prometheus metrics available", "endpoint", "http://"+addr+"/metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (m *EngineMetrics) PositionOpened(pair string, d lx.Direction) {
	m.positionsOpened.WithLabelValues(pair, d.String()).Inc()
}

func (m *EngineMetrics) PositionClosed(pair string, d lx.Direction) {
	m.positionsClosed.WithLabelValues(pair, d.String()).Inc()
}

func (m *EngineMetrics) PositionLiquidated(pair string, d lx.Direction) {
	m.positionsLiquidated.WithLabelValues(pair, d.String()).Inc()
}

func (m *EngineMetrics) LimitOrder(action string) {
	m.limitOrders.WithLabelValues(action).Inc()
}

func (m *EngineMetrics) Rejected(op, kind string) {
	m.rejected.WithLabelValues(op, kind).Inc()
}

func (m *EngineMetrics) OpenInterest(pair string, long, short *big.Int) {
	m.openInterest.WithLabelValues(pair, "long").Set(units(long))
	m.openInterest.WithLabelValues(pair, "short").Set(units(short))
}

func (m *EngineMetrics) FundingRate(pair string, rate *big.Int) {
	m.fundingRate.WithLabelValues(pair).Set(decimal.NewFromBigInt(rate, 0).InexactFloat64())
}

func (m *EngineMetrics) RewardsClaimed(amount *big.Int) {
	m.rewardsClaimed.Add(units(amount))
}

// EventPublished counts an event delivered to sink
func (m *EngineMetrics) EventPublished(sink string) {
	m.eventsPublished.WithLabelValues(sink).Inc()
}

// CollectSystemMetrics samples runtime stats every interval until ctx is done
func (m *EngineMetrics) CollectSystemMetrics(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			m.memoryUsage.Set(float64(memStats.Alloc))
			m.goroutines.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// units converts an 18 decimal fixed-point amount to whole units
func units(x *big.Int) float64 {
	if x == nil {
		return 0
	}
	return decimal.NewFromBigInt(x, -lx.CollateralDecimals).InexactFloat64()
}
