// Test backend - a resource server to run behind the x402 gateway
package main

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/rs/zerolog"

	"github.com/FrankiePower/stellar-x402/internal/logger"
	"github.com/FrankiePower/stellar-x402/pkg/stellar"
	"github.com/FrankiePower/stellar-x402/pkg/x402"
)

// headerPayer is set by the gateway on paid requests.
const headerPayer = "X-Payment-Payer"

func main() {
	base, err := logger.New(os.Getenv("APP_ENV"), os.Getenv("LOG_LEVEL"))
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Fatal().Err(err).Msg("logger init")
	}
	log := logger.Component(base, "testbackend")

	addr := ":3000"
	if port := os.Getenv("BACKEND_PORT"); port != "" {
		addr = ":" + port
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           newRouter(log, time.Now),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info().Str("addr", addr).Msg("test backend listening; reach it through the gateway")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("test backend stopped")
	}
}

// paymentInfo describes the payment the gateway accepted for a request.
type paymentInfo struct {
	Payer       string           `json:"payer,omitempty"`
	Network     x402.NetworkType `json:"network,omitempty"`
	Scheme      x402.SchemeType  `json:"scheme,omitempty"`
	Transaction string           `json:"transaction,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// describePayment reads the payer header and the forwarded X-PAYMENT
// envelope. The transaction hash is what the facilitator submits on settle.
func describePayment(r *http.Request) *paymentInfo {
	info := &paymentInfo{Payer: r.Header.Get(headerPayer)}
	header := r.Header.Get(x402.HeaderPayment)
	if header == "" {
		if info.Payer == "" {
			return nil
		}
		return info
	}

	payload, err := x402.DecodePaymentHeader(header)
	if err != nil {
		info.Error = err.Error()
		return info
	}
	info.Network, info.Scheme = payload.Network, payload.Scheme

	cfg, err := stellar.LookupNetwork(payload.Network)
	if err != nil {
		info.Error = err.Error()
		return info
	}
	tx, err := stellar.DecodeTransaction(payload.Payload.Transaction)
	if err != nil {
		info.Error = err.Error()
		return info
	}
	if info.Transaction, err = stellar.TransactionHash(tx, cfg.Passphrase); err != nil {
		info.Error = err.Error()
	}
	return info
}

func newRouter(log zerolog.Logger, now func() time.Time) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
			next.ServeHTTP(ww, req)
			log.Info().
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Str("payer", req.Header.Get(headerPayer)).
				Int("status", ww.Status()).
				Msg("request")
		})
	})

	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"service": "x402 test backend",
			"endpoints": []string{
				"GET /health       - Health check",
				"GET /api/public   - Free endpoint",
				"GET /api/data     - Paid endpoint, reports the accepted payment",
				"GET /api/premium  - Paid endpoint (?fail=1 answers 500, which is never settled)",
				"ANY /api/echo     - Echo request details",
			},
		})
	})

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "server": "testbackend"})
	})

	r.Get("/api/public", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"message":   "Free endpoint, no payment required",
			"timestamp": now().UTC().Format(time.RFC3339),
		})
	})

	r.Get("/api/data", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"message":   "Paid data unlocked",
			"payment":   describePayment(req),
			"timestamp": now().UTC().Format(time.RFC3339),
		})
	})

	r.Get("/api/premium", func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Query().Get("fail") != "" {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "simulated failure"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"message": "Premium content unlocked",
			"data": map[string]interface{}{
				"quote":   "Consensus closes a ledger every few seconds",
				"premium": true,
			},
			"payment": describePayment(req),
		})
	})

	r.HandleFunc("/api/echo", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"method":  req.Method,
			"path":    req.URL.Path,
			"query":   req.URL.Query(),
			"headers": forwardedHeaders(req),
			"payment": describePayment(req),
		})
	})

	return r
}

// forwardedHeaders returns the proxy headers the gateway sets.
func forwardedHeaders(r *http.Request) map[string]string {
	out := map[string]string{}
	for _, key := range []string{headerPayer, "X-Forwarded-Host", "X-Forwarded-For", "X-Origin-Host"} {
		if v := r.Header.Get(key); v != "" {
			out[key] = v
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
