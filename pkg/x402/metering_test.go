package x402

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"
)

func TestMeteringStore_RecordAndRetrieve(t *testing.T) {
	store := NewInMemoryMeteringStore(1000)

	for i := 0; i < 10; i++ {
		payer := "GPAYER1"
		if i%2 == 0 {
			payer = "GPAYER2"
		}
		err := store.RecordPayment(PaymentMetric{
			Timestamp:   time.Now(),
			Resource:    "/api/test",
			Method:      "GET",
			Payer:       payer,
			Network:     NetworkStellarTestnet,
			Asset:       NativeAsset,
			AmountUnits: "100",
			Status:      200,
			LatencyMs:   50,
		})
		if err != nil {
			t.Fatalf("Failed to record metric: %v", err)
		}
	}

	report, err := store.GetMetrics(MetricsFilter{})
	if err != nil {
		t.Fatalf("Failed to get metrics: %v", err)
	}

	if report.TotalPayments != 10 {
		t.Errorf("Expected 10 total payments, got %d", report.TotalPayments)
	}
	if report.Revenue[NativeAsset] != "1000" {
		t.Errorf("Expected 1000 native revenue, got %s", report.Revenue[NativeAsset])
	}
	if report.UniquePayers != 2 {
		t.Errorf("Expected 2 unique payers, got %d", report.UniquePayers)
	}
	if report.AvgLatencyMs != 50 {
		t.Errorf("Expected average latency 50, got %f", report.AvgLatencyMs)
	}
}

func TestMeteringStore_FilterByPayer(t *testing.T) {
	store := NewInMemoryMeteringStore(1000)

	store.RecordPayment(PaymentMetric{Timestamp: time.Now(), Resource: "/a", Payer: "GA", AmountUnits: "5"})
	store.RecordPayment(PaymentMetric{Timestamp: time.Now(), Resource: "/b", Payer: "GB", AmountUnits: "7"})

	report, _ := store.GetMetrics(MetricsFilter{Payer: "GB"})

	if report.TotalPayments != 1 {
		t.Errorf("Expected 1 payment, got %d", report.TotalPayments)
	}
	if len(report.TopResources) != 1 || report.TopResources[0].Resource != "/b" {
		t.Errorf("Unexpected resources %+v", report.TopResources)
	}
}

func TestMetricsHandler(t *testing.T) {
	store := NewInMemoryMeteringStore(1000)
	store.RecordPayment(PaymentMetric{
		Timestamp:   time.Now(),
		Resource:    "/api/test",
		AmountUnits: "100",
	})

	handler := MetricsHandler(store)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != 200 {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}

	var report MetricsReport
	if err := json.Unmarshal(rr.Body.Bytes(), &report); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if report.TotalPayments != 1 {
		t.Errorf("Expected 1 payment in report, got %d", report.TotalPayments)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("POST", "/metrics", nil))
	if rr.Code != 405 {
		t.Errorf("Expected status 405, got %d", rr.Code)
	}
}

func TestMeteringStore_Eviction(t *testing.T) {
	store := NewInMemoryMeteringStore(5)

	for i := 0; i < 10; i++ {
		store.RecordPayment(PaymentMetric{
			Timestamp:   time.Now(),
			Resource:    "/api/test",
			Asset:       NativeAsset,
			AmountUnits: string(rune('0' + i)),
		})
	}

	report, _ := store.GetMetrics(MetricsFilter{})
	if report.TotalPayments != 5 {
		t.Errorf("Expected 5 payments after eviction, got %d", report.TotalPayments)
	}

	// Should have the last 5 entries (amounts 5-9)
	if report.Revenue[NativeAsset] != "35" {
		t.Errorf("Expected revenue 35, got %s", report.Revenue[NativeAsset])
	}
}
