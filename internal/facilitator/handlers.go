package facilitator

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator"
	"github.com/rs/zerolog"

	"github.com/FrankiePower/stellar-x402/internal/escrow"
	"github.com/FrankiePower/stellar-x402/internal/idempotency"
	"github.com/FrankiePower/stellar-x402/internal/ledger"
	"github.com/FrankiePower/stellar-x402/pkg/stellar"
	"github.com/FrankiePower/stellar-x402/pkg/x402"
)

// RouterOptions configures the HTTP surface.
type RouterOptions struct {
	// JWTSecret enables bearer token auth on /verify, /settle and
	// /settlements when set.
	JWTSecret   string
	CORSOrigins []string
	// Nonces records signed escrow requests. Nil uses process memory.
	Nonces idempotency.Nonces
	Logger zerolog.Logger
}

type handler struct {
	svc      *Service
	escrow   *escrow.Ledger
	validate *validator.Validate
	log      zerolog.Logger
	now      func() time.Time
}

// NewRouter returns the facilitator HTTP API. Escrow routes are mounted when
// esc is not nil.
func NewRouter(svc *Service, esc *escrow.Ledger, opts RouterOptions) http.Handler {
	h := &handler{
		svc:      svc,
		escrow:   esc,
		validate: validator.New(),
		log:      opts.Logger,
		now:      time.Now,
	}

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type",
			"X-Stellar-Account", "X-Stellar-Timestamp", "X-Stellar-Nonce", "X-Stellar-Signature"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.healthz)
	r.Get("/supported", h.supported)

	r.Group(func(r chi.Router) {
		if opts.JWTSecret != "" {
			r.Use(jwtAuth([]byte(opts.JWTSecret), h.log))
		}
		r.Post("/verify", h.verify)
		r.Post("/settle", h.settle)
		r.Get("/settlements", h.listSettlements)
		r.Get("/settlements/{tx}", h.getSettlement)
	})

	if esc != nil {
		nonces := opts.Nonces
		if nonces == nil {
			nonces = idempotency.NewMemoryNonces()
		}
		r.Group(func(r chi.Router) {
			r.Use(accountAuth(func() time.Time { return h.now() }, nonces, h.log))

			r.Route("/escrows", func(r chi.Router) {
				r.Post("/", h.openEscrow)
				r.Get("/", h.findEscrow)
				r.Get("/{id}", h.getEscrow)
				r.Post("/{id}/deposit", h.deposit)
				r.Post("/{id}/payments", h.createPayment)
				r.Post("/{id}/close", h.closeEscrow)
			})
			r.Route("/escrow-payments", func(r chi.Router) {
				r.Get("/{id}", h.getPayment)
				r.Post("/{id}/settle", h.settlePayment)
			})
		})
	}

	return r
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	respondSuccess(w, http.StatusOK, map[string]string{"status": "ok", "network": string(h.svc.Network())})
}

func (h *handler) supported(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Supported())
}

// decodeRequest reads and validates a verify or settle body.
func (h *handler) decodeRequest(r *http.Request) (*x402.VerifyRequest, error) {
	var req x402.VerifyRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		return nil, err
	}
	if err := h.validate.Struct(req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (h *handler) verify(w http.ResponseWriter, r *http.Request) {
	req, err := h.decodeRequest(r)
	if err != nil {
		h.log.Debug().Err(err).Msg("bad verify request")
		writeJSON(w, http.StatusBadRequest, &x402.VerifyResponse{IsValid: false, InvalidReason: x402.ReasonInvalidPayload})
		return
	}
	resp, _ := h.svc.Verify(r.Context(), req.PaymentPayload, req.PaymentRequirements)
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) settle(w http.ResponseWriter, r *http.Request) {
	req, err := h.decodeRequest(r)
	if err != nil {
		h.log.Debug().Err(err).Msg("bad settle request")
		writeJSON(w, http.StatusBadRequest, &x402.SettleResponse{
			Success:     false,
			ErrorReason: x402.ReasonInvalidPayload,
			Network:     h.svc.Network(),
		})
		return
	}
	resp, _ := h.svc.Settle(r.Context(), req.PaymentPayload, req.PaymentRequirements)
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) getSettlement(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Ledger().Get(r.Context(), chi.URLParam(r, "tx"))
	if errors.Is(err, ledger.ErrNotFound) {
		respondError(w, h.log, http.StatusNotFound, "Settlement not found", nil)
		return
	}
	if err != nil {
		respondError(w, h.log, http.StatusInternalServerError, "Failed to load settlement", err)
		return
	}
	respondSuccess(w, http.StatusOK, rec)
}

func (h *handler) listSettlements(w http.ResponseWriter, r *http.Request) {
	payer := r.URL.Query().Get("payer")
	if payer == "" {
		respondError(w, h.log, http.StatusBadRequest, "payer is required", nil)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	recs, err := h.svc.Ledger().ListByPayer(r.Context(), payer, limit)
	if err != nil {
		respondError(w, h.log, http.StatusInternalServerError, "Failed to list settlements", err)
		return
	}
	if recs == nil {
		recs = []ledger.Record{}
	}
	respondSuccess(w, http.StatusOK, recs)
}

type openEscrowRequest struct {
	Server string `json:"server" validate:"required"`
	Amount int64  `json:"amount" validate:"gt=0"`
}

type amountRequest struct {
	Amount int64 `json:"amount" validate:"gt=0"`
}

func (h *handler) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, h.log, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		respondError(w, h.log, http.StatusBadRequest, err.Error(), nil)
		return false
	}
	return true
}

func (h *handler) pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, h.log, http.StatusBadRequest, "Invalid id", nil)
		return 0, false
	}
	return id, true
}

func (h *handler) openEscrow(w http.ResponseWriter, r *http.Request) {
	var req openEscrowRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if err := stellar.ValidateAddress(req.Server); err != nil {
		respondError(w, h.log, http.StatusBadRequest, "Invalid server account", nil)
		return
	}
	caller, _ := AccountFromContext(r.Context())

	e, err := h.escrow.OpenEscrow(r.Context(), caller, req.Server, req.Amount)
	if err != nil {
		h.escrowError(w, err)
		return
	}
	respondSuccess(w, http.StatusCreated, e)
}

func (h *handler) findEscrow(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	client, server := q.Get("client"), q.Get("server")
	if client == "" || server == "" {
		respondError(w, h.log, http.StatusBadRequest, "client and server are required", nil)
		return
	}

	id, ok, err := h.escrow.FindEscrow(r.Context(), client, server)
	if err != nil {
		h.escrowError(w, err)
		return
	}
	if !ok {
		h.escrowError(w, escrow.ErrEscrowNotFound)
		return
	}
	e, err := h.escrow.Escrow(r.Context(), id)
	if err != nil {
		h.escrowError(w, err)
		return
	}
	respondSuccess(w, http.StatusOK, e)
}

func (h *handler) getEscrow(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	e, err := h.escrow.Escrow(r.Context(), id)
	if err != nil {
		h.escrowError(w, err)
		return
	}
	respondSuccess(w, http.StatusOK, e)
}

func (h *handler) deposit(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	caller, _ := AccountFromContext(r.Context())

	e, err := h.escrow.Deposit(r.Context(), caller, id, req.Amount)
	if err != nil {
		h.escrowError(w, err)
		return
	}
	respondSuccess(w, http.StatusOK, e)
}

func (h *handler) createPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	caller, _ := AccountFromContext(r.Context())

	p, err := h.escrow.CreatePayment(r.Context(), caller, id, req.Amount)
	if err != nil {
		h.escrowError(w, err)
		return
	}
	respondSuccess(w, http.StatusCreated, p)
}

func (h *handler) settlePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	caller, _ := AccountFromContext(r.Context())

	p, err := h.escrow.SettlePayment(r.Context(), caller, id)
	if err != nil {
		h.escrowError(w, err)
		return
	}
	respondSuccess(w, http.StatusOK, p)
}

func (h *handler) getPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	p, err := h.escrow.Payment(r.Context(), id)
	if err != nil {
		h.escrowError(w, err)
		return
	}
	respondSuccess(w, http.StatusOK, p)
}

func (h *handler) closeEscrow(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	caller, _ := AccountFromContext(r.Context())

	res, err := h.escrow.Close(r.Context(), caller, id)
	if err != nil {
		h.escrowError(w, err)
		return
	}
	respondSuccess(w, http.StatusOK, res)
}

func (h *handler) escrowError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, escrow.ErrEscrowNotFound), errors.Is(err, escrow.ErrPaymentNotFound):
		respondError(w, h.log, http.StatusNotFound, err.Error(), nil)
	case errors.Is(err, escrow.ErrUnauthorized):
		respondError(w, h.log, http.StatusForbidden, err.Error(), nil)
	case errors.Is(err, escrow.ErrEscrowExists), errors.Is(err, escrow.ErrAlreadySettled):
		respondError(w, h.log, http.StatusConflict, err.Error(), nil)
	case errors.Is(err, escrow.ErrInsufficientBalance):
		respondError(w, h.log, http.StatusUnprocessableEntity, err.Error(), nil)
	case errors.Is(err, escrow.ErrInvalidAmount), errors.Is(err, escrow.ErrBalanceOverflow):
		respondError(w, h.log, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, escrow.ErrConflict):
		respondError(w, h.log, http.StatusServiceUnavailable, err.Error(), nil)
	default:
		respondError(w, h.log, http.StatusInternalServerError, "Escrow operation failed", err)
	}
}
