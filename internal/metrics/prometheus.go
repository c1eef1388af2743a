package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "velvenode_claims_total",
		Help: "Total claim attempts by outcome",
	}, []string{"result"})

	ClaimDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "velvenode_claim_duration_seconds",
		Help:    "End to end duration of claim processing",
		Buckets: prometheus.DefBuckets,
	})

	MintDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "velvenode_mint_duration_seconds",
		Help:    "Duration of ledger mint calls",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	MintErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "velvenode_mint_errors_total",
		Help: "Total failed ledger mint calls",
	})

	TierDraws = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "velvenode_tier_draws_total",
		Help: "Total tier lottery draws by tier value",
	}, []string{"tier"})

	PoolAvailable = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "velvenode_pool_available",
		Help: "Unclaimed local pool entries by tier value",
	}, []string{"tier"})

	VirtualStock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "velvenode_virtual_stock",
		Help: "Remaining mintable virtual stock by tier value",
	}, []string{"tier"})
)

func IncClaim(result string) {
	label := strings.TrimSpace(result)
	if label == "" {
		label = "unknown"
	}
	ClaimsTotal.WithLabelValues(label).Inc()
}

func ObserveClaimDuration(duration time.Duration) {
	ClaimDuration.Observe(duration.Seconds())
}

func ObserveMintDuration(duration time.Duration) {
	MintDuration.Observe(duration.Seconds())
}

func IncMintError() {
	MintErrors.Inc()
}

func IncTierDraw(tier string) {
	TierDraws.WithLabelValues(tier).Inc()
}

func SetPoolAvailable(tier string, count int64) {
	if count < 0 {
		count = 0
	}
	PoolAvailable.WithLabelValues(tier).Set(float64(count))
}

func SetVirtualStock(tier string, count int64) {
	if count < 0 {
		count = 0
	}
	VirtualStock.WithLabelValues(tier).Set(float64(count))
}
