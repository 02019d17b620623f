// Package x402 provides HTTP 402 Payment Required middleware for Go web applications.
// It enables sellers to require a Stellar payment before granting access to protected resources.
package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Facilitator verifies and settles payment payloads on behalf of a resource server.
type Facilitator interface {
	Verify(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*VerifyResponse, error)
	Settle(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*SettleResponse, error)
}

// RoutePrice overrides pricing for paths matching Pattern. A pattern
// ending in /* matches every path under its prefix.
type RoutePrice struct {
	Pattern     string
	Price       string
	Description string
	MimeType    string
}

// Config holds the configuration for the X402 seller middleware
type Config struct {
	RequirementsConfig

	// ExemptPaths lists paths that don't require payment
	ExemptPaths []string

	// Routes lists per-path price overrides, first match wins
	Routes []RoutePrice

	// Facilitator verifies and settles payments
	Facilitator Facilitator

	// ResourceURL builds the resource field of the requirements; defaults
	// to the absolute request URL
	ResourceURL func(r *http.Request) string

	// Metering records settled payments when set
	Metering MeteringStore

	Logger *zerolog.Logger
}

type payerKey struct{}

// PayerFromContext returns the verified payer account for the request, if any.
func PayerFromContext(ctx context.Context) (string, bool) {
	payer, ok := ctx.Value(payerKey{}).(string)
	return payer, ok && payer != ""
}

// Middleware creates a middleware that implements HTTP 402 Payment Required
func Middleware(next http.Handler, config Config) http.Handler {
	if config.Logger == nil {
		nop := zerolog.Nop()
		config.Logger = &nop
	}
	if config.ResourceURL == nil {
		config.ResourceURL = requestURL
	}
	log := config.Logger

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Check if path is exempt from payment
		if isExemptPath(r.URL.Path, config.ExemptPaths) {
			next.ServeHTTP(w, r)
			return
		}

		resource := config.ResourceURL(r)
		accepts, err := config.requirementsFor(r.URL.Path).Build(resource)
		if err != nil {
			log.Error().Err(err).Str("resource", resource).Msg("build payment requirements")
			http.Error(w, "payment configuration error", http.StatusInternalServerError)
			return
		}

		header := r.Header.Get(HeaderPayment)
		if header == "" {
			sendPaymentRequired(w, accepts, HeaderPayment+" header is required")
			return
		}

		payload, err := DecodePaymentHeader(header)
		if err != nil {
			sendPaymentRequired(w, accepts, err.Error())
			return
		}

		requirements, reason := SelectRequirements(accepts, payload)
		if requirements == nil {
			sendPaymentRequired(w, accepts, reason)
			return
		}

		ctx := r.Context()
		verified, err := config.Facilitator.Verify(ctx, payload, requirements)
		if err != nil {
			log.Error().Err(err).Str("resource", resource).Msg("verify payment")
			verified = &VerifyResponse{IsValid: false, InvalidReason: ReasonUnexpectedVerifyError}
		}
		if !verified.IsValid {
			log.Info().
				Str("resource", resource).
				Str("network", string(payload.Network)).
				Str("payer", verified.Payer).
				Str("reason", verified.InvalidReason).
				Msg("payment rejected")
			sendPaymentRequired(w, accepts, verified.InvalidReason)
			return
		}

		start := time.Now()
		buffered := newBufferedResponse()
		next.ServeHTTP(buffered, r.WithContext(context.WithValue(ctx, payerKey{}, verified.Payer)))

		// Failed handlers are not charged
		if buffered.status >= http.StatusBadRequest {
			buffered.flush(w)
			return
		}

		settled, err := config.Facilitator.Settle(ctx, payload, requirements)
		if err != nil {
			log.Error().Err(err).Str("resource", resource).Msg("settle payment")
			settled = &SettleResponse{Success: false, ErrorReason: ReasonUnexpectedSettleError, Network: payload.Network}
		}
		if !settled.Success {
			log.Warn().
				Str("resource", resource).
				Str("payer", verified.Payer).
				Str("reason", settled.ErrorReason).
				Msg("settlement failed")
			sendPaymentRequired(w, accepts, settled.ErrorReason)
			return
		}

		encoded, err := EncodeSettleResponseHeader(settled)
		if err != nil {
			log.Error().Err(err).Msg("encode settlement header")
		} else {
			buffered.Header().Set(HeaderPaymentResponse, encoded)
			buffered.Header().Set("Access-Control-Expose-Headers", HeaderPaymentResponse)
		}

		log.Info().
			Str("resource", resource).
			Str("network", string(settled.Network)).
			Str("payer", settled.Payer).
			Str("tx", settled.Transaction).
			Msg("payment settled")

		if config.Metering != nil {
			err := config.Metering.RecordPayment(PaymentMetric{
				Timestamp:   start,
				Resource:    r.URL.Path,
				Method:      r.Method,
				Payer:       settled.Payer,
				Network:     settled.Network,
				Asset:       requirements.Asset,
				AmountUnits: requirements.MaxAmountRequired,
				Transaction: settled.Transaction,
				Status:      buffered.status,
				LatencyMs:   time.Since(start).Milliseconds(),
			})
			if err != nil {
				log.Warn().Err(err).Str("resource", resource).Str("tx", settled.Transaction).Msg("record payment metric")
			}
		}

		buffered.flush(w)
	})
}

// requirementsFor applies the first matching route override.
func (c *Config) requirementsFor(path string) *RequirementsConfig {
	for _, route := range c.Routes {
		if !matchesPattern(path, route.Pattern) {
			continue
		}
		rc := c.RequirementsConfig
		if route.Price != "" {
			rc.Price = route.Price
		}
		if route.Description != "" {
			rc.Description = route.Description
		}
		if route.MimeType != "" {
			rc.MimeType = route.MimeType
		}
		return &rc
	}
	return &c.RequirementsConfig
}

// isExemptPath checks if the requested path is exempt from payment
func isExemptPath(path string, exemptPaths []string) bool {
	for _, exemptPath := range exemptPaths {
		if strings.HasPrefix(path, exemptPath) {
			return true
		}
	}
	return false
}

func matchesPattern(path, pattern string) bool {
	if pattern == "*" || pattern == "/*" {
		return true
	}
	if len(pattern) > 2 && pattern[len(pattern)-2:] == "/*" {
		return strings.HasPrefix(path, pattern[:len(pattern)-2])
	}
	return path == pattern
}

// requestURL rebuilds the absolute URL the client requested.
func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// sendPaymentRequired sends a 402 Payment Required response
func sendPaymentRequired(w http.ResponseWriter, accepts []PaymentRequirements, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Expose-Headers", HeaderPaymentResponse)
	w.WriteHeader(http.StatusPaymentRequired)

	_ = json.NewEncoder(w).Encode(PaymentRequiredResponse{
		X402Version: X402Version,
		Accepts:     accepts,
		Error:       message,
	})
}

// bufferedResponse holds the protected handler's output until settlement
// succeeds.
type bufferedResponse struct {
	header      http.Header
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{header: make(http.Header), status: http.StatusOK}
}

func (b *bufferedResponse) Header() http.Header {
	return b.header
}

func (b *bufferedResponse) WriteHeader(code int) {
	if b.wroteHeader {
		return
	}
	b.status = code
	b.wroteHeader = true
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	b.wroteHeader = true
	return b.body.Write(p)
}

func (b *bufferedResponse) flush(w http.ResponseWriter) {
	dst := w.Header()
	for k, v := range b.header {
		dst[k] = v
	}
	w.WriteHeader(b.status)
	_, _ = w.Write(b.body.Bytes())
}
