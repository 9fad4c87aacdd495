package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const DefaultNamespace = "loopvault"

// NewRegistry returns a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

type LedgerMetrics struct {
	Operations   *prometheus.CounterVec
	Failures     *prometheus.CounterVec
	Liquidity    *prometheus.GaugeVec
	HealthFactor *prometheus.GaugeVec
}

// NewLedgerMetrics builds the ledger collectors. A nil registerer leaves
// them unregistered.
func NewLedgerMetrics(reg prometheus.Registerer, namespace string) *LedgerMetrics {
	factory := promauto.With(reg)
	return &LedgerMetrics{
		Operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Successful ledger operations",
		}, []string{"op"}),
		Failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "failures_total",
			Help:      "Rejected ledger operations",
		}, []string{"op", "reason"}),
		Liquidity: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "liquidity",
			Help:      "Pool liquidity per token in whole units",
		}, []string{"token"}),
		HealthFactor: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "health_factor",
			Help:      "Health factor after the last borrow",
		}, []string{"user"}),
	}
}

type VaultMetrics struct {
	Deposits     prometheus.Counter
	LoopSteps    prometheus.Counter
	LoopCount    prometheus.Gauge
	Borrowed     prometheus.Counter
	Stops        *prometheus.CounterVec
	Unauthorized *prometheus.CounterVec
	Unwinds      *prometheus.CounterVec
}

func NewVaultMetrics(reg prometheus.Registerer, namespace string) *VaultMetrics {
	factory := promauto.With(reg)
	return &VaultMetrics{
		Deposits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "deposits_total",
			Help:      "Accepted deposits",
		}),
		LoopSteps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "loop_steps_total",
			Help:      "Completed borrow-convert-supply iterations",
		}),
		LoopCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "loop_count",
			Help:      "Current loop counter",
		}),
		Borrowed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "borrowed_total",
			Help:      "Loan token borrowed by loop steps in whole units",
		}),
		Stops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "loop_stops_total",
			Help:      "Loop steps refused, by reason",
		}, []string{"reason"}),
		Unauthorized: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "unauthorized_total",
			Help:      "Restricted calls rejected, by failed check",
		}, []string{"check"}),
		Unwinds: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "unwinds_total",
			Help:      "Completed unwinds",
		}, []string{"kind"}),
	}
}

type ControllerMetrics struct {
	Events    *prometheus.CounterVec
	Callbacks *prometheus.CounterVec
	Unknown   prometheus.Counter
}

func NewControllerMetrics(reg prometheus.Registerer, namespace string) *ControllerMetrics {
	factory := promauto.With(reg)
	return &ControllerMetrics{
		Events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "events_total",
			Help:      "Decoded events, by kind",
		}, []string{"event"}),
		Callbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "callbacks_total",
			Help:      "Emitted callback instructions, by method",
		}, []string{"method"}),
		Unknown: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "unknown_events_total",
			Help:      "Records dropped as unknown",
		}),
	}
}

type FabricMetrics struct {
	LogsObserved prometheus.Counter
	Deliveries   *prometheus.CounterVec
	Callbacks    *prometheus.CounterVec
	Latency      prometheus.Histogram
	InFlight     prometheus.Gauge
}

func NewFabricMetrics(reg prometheus.Registerer, namespace string) *FabricMetrics {
	factory := promauto.With(reg)
	return &FabricMetrics{
		LogsObserved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fabric",
			Name:      "logs_observed_total",
			Help:      "Committed logs seen by the fabric",
		}),
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fabric",
			Name:      "deliveries_total",
			Help:      "Event deliveries to reactors, by outcome",
		}, []string{"outcome"}),
		Callbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fabric",
			Name:      "callbacks_total",
			Help:      "Callback executions, by status",
		}, []string{"status"}),
		Latency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fabric",
			Name:      "delivery_latency_seconds",
			Help:      "Time from log commit to callback execution",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fabric",
			Name:      "in_flight",
			Help:      "Deliveries currently pending",
		}),
	}
}

type FlashLoanMetrics struct {
	Loans   *prometheus.CounterVec
	Volume  *prometheus.CounterVec
	Fees    *prometheus.CounterVec
	Errors  prometheus.Counter
	Latency prometheus.Histogram
}

func NewFlashLoanMetrics(reg prometheus.Registerer, namespace string) *FlashLoanMetrics {
	factory := promauto.With(reg)
	return &FlashLoanMetrics{
		Loans: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flashloan",
			Name:      "loans_total",
			Help:      "Flash loans taken, by provider",
		}, []string{"provider"}),
		Volume: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flashloan",
			Name:      "volume",
			Help:      "Flash loan volume in whole units, by provider",
		}, []string{"provider"}),
		Fees: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flashloan",
			Name:      "fees",
			Help:      "Flash loan fees in whole units, by provider",
		}, []string{"provider"}),
		Errors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flashloan",
			Name:      "errors_total",
			Help:      "Failed flash loan acquisitions",
		}),
		Latency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "flashloan",
			Name:      "latency_seconds",
			Help:      "Flash loan acquisition latency",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 12),
		}),
	}
}
