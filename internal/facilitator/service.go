// Package facilitator verifies and settles exact-scheme Stellar payments on
// behalf of x402 resource servers, and hosts the escrow ledger.
package facilitator

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/txnbuild"

	"github.com/FrankiePower/stellar-x402/internal/events"
	"github.com/FrankiePower/stellar-x402/internal/idempotency"
	"github.com/FrankiePower/stellar-x402/internal/ledger"
	"github.com/FrankiePower/stellar-x402/pkg/stellar"
	"github.com/FrankiePower/stellar-x402/pkg/x402"
)

// DefaultSettleTimeout bounds submission plus confirmation.
const DefaultSettleTimeout = 30 * time.Second

// Options configures a Service. Nil stores fall back to in-memory ones.
type Options struct {
	Network       x402.NetworkType
	SettleTimeout time.Duration

	Ledger      ledger.Repository
	Idempotency idempotency.Store
	Publisher   events.Publisher
	Logger      zerolog.Logger
}

// Service is a facilitator for one Stellar network.
type Service struct {
	horizon       horizonclient.ClientInterface
	network       x402.NetworkType
	passphrase    string
	settleTimeout time.Duration

	ledger  ledger.Repository
	settler *idempotency.Settler
	pub     events.Publisher
	log     zerolog.Logger
	now     func() time.Time
}

var _ x402.Facilitator = (*Service)(nil)

// NewService creates a facilitator backed by hc.
func NewService(hc horizonclient.ClientInterface, opts Options) (*Service, error) {
	cfg, err := stellar.LookupNetwork(opts.Network)
	if err != nil {
		return nil, err
	}

	s := &Service{
		horizon:       hc,
		network:       opts.Network,
		passphrase:    cfg.Passphrase,
		settleTimeout: opts.SettleTimeout,
		ledger:        opts.Ledger,
		pub:           opts.Publisher,
		log:           opts.Logger,
		now:           time.Now,
	}
	if s.settleTimeout <= 0 {
		s.settleTimeout = DefaultSettleTimeout
	}
	if s.ledger == nil {
		s.ledger = ledger.NewMemoryRepository()
	}
	if s.pub == nil {
		s.pub = events.NopPublisher{}
	}
	store := opts.Idempotency
	if store == nil {
		store = idempotency.NewMemoryStore(idempotency.DefaultTTL, 2*s.settleTimeout)
	}
	s.settler = idempotency.NewSettler(store, s.settle, s.log)
	return s, nil
}

// Network returns the network this service settles on.
func (s *Service) Network() x402.NetworkType { return s.network }

// Ledger returns the settlement repository.
func (s *Service) Ledger() ledger.Repository { return s.ledger }

// Supported lists the single exact kind this service handles.
func (s *Service) Supported() *x402.SupportedResponse {
	return &x402.SupportedResponse{Kinds: []x402.SupportedKind{{
		X402Version: x402.X402Version,
		Scheme:      x402.SchemeExact,
		Network:     s.network,
	}}}
}

// Verify checks a payment without submitting it. Rejections are reported in
// the response; the error is always nil.
func (s *Service) Verify(ctx context.Context, payload *x402.PaymentPayload, req *x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	_, payer, err := s.verify(ctx, payload, req)
	if err != nil {
		reason := x402.ReasonOf(err, x402.ReasonUnexpectedVerifyError)
		s.logRejection(err, reason, payer, "verify")
		return &x402.VerifyResponse{IsValid: false, InvalidReason: reason, Payer: payer}, nil
	}
	return &x402.VerifyResponse{IsValid: true, Payer: payer}, nil
}

// Settle verifies and submits a payment, at most once per envelope.
func (s *Service) Settle(ctx context.Context, payload *x402.PaymentPayload, req *x402.PaymentRequirements) (*x402.SettleResponse, error) {
	resp, err := s.settler.Settle(ctx, payload, req)
	if err != nil {
		s.log.Error().Err(err).Msg("settle")
		return &x402.SettleResponse{Success: false, ErrorReason: x402.ReasonUnexpectedSettleError, Network: s.network}, nil
	}
	return resp, nil
}

func (s *Service) settle(ctx context.Context, payload *x402.PaymentPayload, req *x402.PaymentRequirements) (*x402.SettleResponse, error) {
	tx, payer, err := s.verify(ctx, payload, req)
	if err != nil {
		reason := x402.ReasonOf(err, x402.ReasonUnexpectedSettleError)
		s.logRejection(err, reason, payer, "settle")
		return &x402.SettleResponse{Success: false, ErrorReason: reason, Network: s.network, Payer: payer}, nil
	}

	started := s.now()
	result, err := stellar.SubmitAndWait(ctx, s.horizon, tx, s.passphrase, s.settleTimeout)
	if err != nil {
		reason := x402.ReasonUnexpectedSettleError
		switch {
		case errors.Is(err, stellar.ErrTransactionFailed):
			reason = x402.ReasonTransactionFailed
		case errors.Is(err, stellar.ErrConfirmationTimeout):
			reason = x402.ReasonSettlementTimeout
		}
		s.log.Warn().Err(err).Str("payer", payer).Str("reason", reason).Msg("settlement failed")
		return &x402.SettleResponse{Success: false, ErrorReason: reason, Network: s.network, Payer: payer}, nil
	}

	rec := ledger.Record{
		TxHash:    result.Hash,
		Network:   string(s.network),
		Payer:     payer,
		PayTo:     req.PayTo,
		Asset:     assetOrNative(req.Asset),
		Amount:    req.MaxAmountRequired,
		Resource:  req.Resource,
		Ledger:    result.Ledger,
		SettledAt: s.now().UTC(),
	}
	if err := s.ledger.Save(ctx, rec); err != nil && !errors.Is(err, ledger.ErrDuplicate) {
		// The payment is on chain; a ledger failure must not report it unpaid.
		s.log.Error().Err(err).Str("tx", result.Hash).Msg("record settlement")
	}
	events.Emit(ctx, s.pub, s.log, events.TypePaymentSettled, "tx:"+result.Hash, rec)

	s.log.Info().
		Str("tx", result.Hash).
		Str("payer", payer).
		Str("resource", req.Resource).
		Dur("elapsed", s.now().Sub(started)).
		Msg("payment settled")

	return &x402.SettleResponse{
		Success:     true,
		Transaction: result.Hash,
		Network:     s.network,
		Payer:       payer,
	}, nil
}

// verify runs every check shared by Verify and Settle and returns the decoded
// transaction and payer.
func (s *Service) verify(ctx context.Context, payload *x402.PaymentPayload, req *x402.PaymentRequirements) (*txnbuild.Transaction, string, error) {
	if payload == nil || req == nil {
		return nil, "", x402.Invalid(x402.ReasonInvalidPayload, "payment payload and requirements are required")
	}
	if payload.X402Version != x402.X402Version {
		return nil, "", x402.Invalid(x402.ReasonInvalidVersion, "unsupported version %d", payload.X402Version)
	}
	if payload.Scheme != x402.SchemeExact || req.Scheme != payload.Scheme {
		return nil, "", x402.Invalid(x402.ReasonInvalidScheme, "unsupported scheme %q", payload.Scheme)
	}
	if payload.Network != s.network || req.Network != payload.Network {
		return nil, "", x402.Invalid(x402.ReasonInvalidNetwork, "unsupported network %q", payload.Network)
	}
	if payload.Payload.Transaction == "" {
		return nil, "", x402.Invalid(x402.ReasonInvalidPayload, "missing transaction")
	}

	tx, err := stellar.DecodeTransaction(payload.Payload.Transaction)
	if err != nil {
		return nil, "", x402.Invalid(x402.ReasonInvalidPayload, "%v", err)
	}

	payer, err := stellar.VerifyExactTransaction(tx, req, s.passphrase, s.now())
	if err != nil {
		return nil, payer, err
	}

	hash, err := stellar.TransactionHash(tx, s.passphrase)
	if err != nil {
		return nil, payer, err
	}
	used, err := s.ledger.Exists(ctx, hash)
	if err != nil {
		return nil, payer, err
	}
	if used {
		return nil, payer, x402.Invalid(x402.ReasonTransactionAlreadyUsed, "transaction %s already settled", hash)
	}

	if err := s.checkFunds(payer, req); err != nil {
		return nil, payer, err
	}
	return tx, payer, nil
}

func (s *Service) checkFunds(payer string, req *x402.PaymentRequirements) error {
	asset, err := stellar.ParseAsset(assetOrNative(req.Asset))
	if err != nil {
		return x402.Invalid(x402.ReasonInvalidAsset, "%v", err)
	}
	balance, err := stellar.GetBalance(s.horizon, payer, asset)
	if err != nil {
		if errors.Is(err, stellar.ErrAccountNotFound) {
			return x402.Invalid(x402.ReasonPayerNotFound, "%s", payer)
		}
		return err
	}

	have, err := stellar.ToStroops(balance)
	if err != nil {
		return err
	}
	cmp, err := x402.CompareBaseUnits(strconv.FormatInt(have, 10), req.MaxAmountRequired)
	if err != nil {
		return x402.Invalid(x402.ReasonInvalidPayload, "invalid maxAmountRequired %q", req.MaxAmountRequired)
	}
	if cmp < 0 {
		return x402.Invalid(x402.ReasonInsufficientFunds, "balance %d below %s base units", have, req.MaxAmountRequired)
	}
	return nil
}

func (s *Service) logRejection(err error, reason, payer, op string) {
	ev := s.log.Info()
	if reason == x402.ReasonUnexpectedVerifyError || reason == x402.ReasonUnexpectedSettleError {
		ev = s.log.Error()
	}
	ev.Err(err).Str("op", op).Str("reason", reason).Str("payer", payer).Msg("payment rejected")
}

func assetOrNative(asset string) string {
	if asset == "" {
		return x402.NativeAsset
	}
	return asset
}
