// Package x402 - Payment Metering
// Tracks settled payments and revenue per resource and payer.
package x402

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MeteringStore defines the interface for storing payment metrics
type MeteringStore interface {
	RecordPayment(metric PaymentMetric) error
	GetMetrics(filter MetricsFilter) (*MetricsReport, error)
}

// PaymentMetric represents a single settled payment
type PaymentMetric struct {
	Timestamp   time.Time   `json:"timestamp"`
	Resource    string      `json:"resource"`
	Method      string      `json:"method"`
	Payer       string      `json:"payer,omitempty"`
	Network     NetworkType `json:"network"`
	Asset       string      `json:"asset"`
	AmountUnits string      `json:"amountUnits"` // base units
	Transaction string      `json:"transaction"`
	Status      int         `json:"status"`
	LatencyMs   int64       `json:"latencyMs"`
}

// MetricsFilter for querying metrics
type MetricsFilter struct {
	StartTime *time.Time  `json:"startTime,omitempty"`
	EndTime   *time.Time  `json:"endTime,omitempty"`
	Resource  string      `json:"resource,omitempty"`
	Payer     string      `json:"payer,omitempty"`
	Network   NetworkType `json:"network,omitempty"`
}

// MetricsReport contains aggregated metrics. Revenue values are base unit
// sums per asset.
type MetricsReport struct {
	TotalPayments int64             `json:"totalPayments"`
	Revenue       map[string]string `json:"revenue"`
	UniquePayers  int64             `json:"uniquePayers"`
	AvgLatencyMs  float64           `json:"avgLatencyMs"`
	TopResources  []ResourceStats   `json:"topResources"`
	TopPayers     []PayerStats      `json:"topPayers"`
}

// ResourceStats contains per-resource metrics
type ResourceStats struct {
	Resource      string `json:"resource"`
	TotalPayments int64  `json:"totalPayments"`
	Revenue       string `json:"revenue"`
}

// PayerStats contains per-payer metrics
type PayerStats struct {
	Payer         string `json:"payer"`
	TotalPayments int64  `json:"totalPayments"`
	TotalSpent    string `json:"totalSpent"`
	LastSeen      string `json:"lastSeen"`
}

// InMemoryMeteringStore is a simple in-memory implementation
type InMemoryMeteringStore struct {
	mu      sync.RWMutex
	metrics []PaymentMetric
	maxSize int
}

// NewInMemoryMeteringStore creates a new in-memory metering store
func NewInMemoryMeteringStore(maxSize int) *InMemoryMeteringStore {
	if maxSize <= 0 {
		maxSize = 100000
	}
	return &InMemoryMeteringStore{
		metrics: make([]PaymentMetric, 0, maxSize),
		maxSize: maxSize,
	}
}

// RecordPayment records a payment metric
func (s *InMemoryMeteringStore) RecordPayment(metric PaymentMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Evict oldest entries if at capacity
	if len(s.metrics) >= s.maxSize {
		s.metrics = s.metrics[1:]
	}

	s.metrics = append(s.metrics, metric)
	return nil
}

type resourceAgg struct {
	count   int64
	revenue decimal.Decimal
}

type payerAgg struct {
	count    int64
	spent    decimal.Decimal
	lastSeen time.Time
}

// GetMetrics retrieves aggregated metrics based on filter
func (s *InMemoryMeteringStore) GetMetrics(filter MetricsFilter) (*MetricsReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := &MetricsReport{Revenue: make(map[string]string)}

	revenue := make(map[string]decimal.Decimal)
	resources := make(map[string]*resourceAgg)
	payers := make(map[string]*payerAgg)
	var totalLatency int64

	for _, m := range s.metrics {
		if filter.StartTime != nil && m.Timestamp.Before(*filter.StartTime) {
			continue
		}
		if filter.EndTime != nil && m.Timestamp.After(*filter.EndTime) {
			continue
		}
		if filter.Resource != "" && m.Resource != filter.Resource {
			continue
		}
		if filter.Payer != "" && m.Payer != filter.Payer {
			continue
		}
		if filter.Network != "" && m.Network != filter.Network {
			continue
		}

		amount, err := decimal.NewFromString(m.AmountUnits)
		if err != nil {
			amount = decimal.Zero
		}

		report.TotalPayments++
		totalLatency += m.LatencyMs
		revenue[m.Asset] = revenue[m.Asset].Add(amount)

		ra, ok := resources[m.Resource]
		if !ok {
			ra = &resourceAgg{}
			resources[m.Resource] = ra
		}
		ra.count++
		ra.revenue = ra.revenue.Add(amount)

		if m.Payer != "" {
			pa, ok := payers[m.Payer]
			if !ok {
				pa = &payerAgg{}
				payers[m.Payer] = pa
			}
			pa.count++
			pa.spent = pa.spent.Add(amount)
			if m.Timestamp.After(pa.lastSeen) {
				pa.lastSeen = m.Timestamp
			}
		}
	}

	for asset, total := range revenue {
		report.Revenue[asset] = total.String()
	}
	report.UniquePayers = int64(len(payers))
	if report.TotalPayments > 0 {
		report.AvgLatencyMs = float64(totalLatency) / float64(report.TotalPayments)
	}

	type rankedResource struct {
		stats   ResourceStats
		revenue decimal.Decimal
	}
	ranked := make([]rankedResource, 0, len(resources))
	for resource, ra := range resources {
		ranked = append(ranked, rankedResource{
			stats:   ResourceStats{Resource: resource, TotalPayments: ra.count, Revenue: ra.revenue.String()},
			revenue: ra.revenue,
		})
	}
	sort.Slice(ranked, func(i, j int) bool {
		return ranked[i].revenue.GreaterThan(ranked[j].revenue)
	})
	for i, r := range ranked {
		if i == 10 {
			break
		}
		report.TopResources = append(report.TopResources, r.stats)
	}

	type rankedPayer struct {
		stats PayerStats
		spent decimal.Decimal
	}
	rankedPayers := make([]rankedPayer, 0, len(payers))
	for payer, pa := range payers {
		rankedPayers = append(rankedPayers, rankedPayer{
			stats: PayerStats{
				Payer:         payer,
				TotalPayments: pa.count,
				TotalSpent:    pa.spent.String(),
				LastSeen:      pa.lastSeen.Format(time.RFC3339),
			},
			spent: pa.spent,
		})
	}
	sort.Slice(rankedPayers, func(i, j int) bool {
		return rankedPayers[i].spent.GreaterThan(rankedPayers[j].spent)
	})
	for i, p := range rankedPayers {
		if i == 10 {
			break
		}
		report.TopPayers = append(report.TopPayers, p.stats)
	}

	return report, nil
}

// MetricsHandler returns an HTTP handler for the metrics endpoint
func MetricsHandler(store MeteringStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		filter := MetricsFilter{}

		// Parse query params
		if start := r.URL.Query().Get("start"); start != "" {
			if t, err := time.Parse(time.RFC3339, start); err == nil {
				filter.StartTime = &t
			}
		}
		if end := r.URL.Query().Get("end"); end != "" {
			if t, err := time.Parse(time.RFC3339, end); err == nil {
				filter.EndTime = &t
			}
		}
		filter.Resource = r.URL.Query().Get("resource")
		filter.Payer = r.URL.Query().Get("payer")
		filter.Network = NetworkType(r.URL.Query().Get("network"))

		report, err := store.GetMetrics(filter)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(report)
	}
}
