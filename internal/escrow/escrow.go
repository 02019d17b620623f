// Package escrow holds prepaid balances for client/server pairs so a server
// can answer immediately and settle payments later.
//
// Each pair has at most one escrow. The client opens and tops it up, the
// server draws payments from it, and the escrow is removed once both sides
// have asked to close it. Amounts are stroops.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/FrankiePower/stellar-x402/internal/events"
)

var (
	ErrEscrowExists        = errors.New("escrow: already exists for this client-server pair")
	ErrEscrowNotFound      = errors.New("escrow: not found")
	ErrPaymentNotFound     = errors.New("escrow: payment not found")
	ErrAlreadySettled      = errors.New("escrow: payment already settled")
	ErrInsufficientBalance = errors.New("escrow: insufficient balance")
	ErrUnauthorized        = errors.New("escrow: caller is not authorised")
	ErrInvalidAmount       = errors.New("escrow: amount must be positive")
	ErrBalanceOverflow     = errors.New("escrow: deposit would overflow the balance")
	ErrConflict            = errors.New("escrow: concurrent update, retry")
)

// Escrow is the balance held for one client/server pair.
type Escrow struct {
	ID           uint64 `json:"id"`
	Client       string `json:"client"`
	Server       string `json:"server"`
	Balance      int64  `json:"balance"`
	ClientClosed bool   `json:"clientClosed"`
	ServerClosed bool   `json:"serverClosed"`
}

// Payment is a server's claim against an escrow.
type Payment struct {
	ID        uint64 `json:"id"`
	EscrowID  uint64 `json:"escrowId"`
	Amount    int64  `json:"amount"`
	Settled   bool   `json:"settled"`
	Timestamp int64  `json:"timestamp"`
}

// CloseResult reports a close request. Remaining is set once both parties
// have closed and the escrow is gone.
type CloseResult struct {
	EscrowID  uint64 `json:"escrowId"`
	Closed    bool   `json:"closed"`
	Remaining *int64 `json:"remaining,omitempty"`
}

// Txn is the view of a Store inside Atomic.
type Txn interface {
	GetEscrow(ctx context.Context, id uint64) (*Escrow, error)
	GetPayment(ctx context.Context, id uint64) (*Payment, error)
	SaveEscrow(ctx context.Context, e *Escrow) error
	SavePayment(ctx context.Context, p *Payment) error
	DeleteEscrow(ctx context.Context, id uint64) error
	ReleasePair(ctx context.Context, client, server string) error
}

// Store persists escrows, payments and the pair lookup.
type Store interface {
	NextEscrowID(ctx context.Context) (uint64, error)
	NextPaymentID(ctx context.Context) (uint64, error)

	// ClaimPair records id for the pair unless one is already recorded.
	ClaimPair(ctx context.Context, client, server string, id uint64) (bool, error)
	FindPair(ctx context.Context, client, server string) (uint64, bool, error)
	ReleasePair(ctx context.Context, client, server string) error

	SaveEscrow(ctx context.Context, e *Escrow) error
	GetEscrow(ctx context.Context, id uint64) (*Escrow, error)
	DeleteEscrow(ctx context.Context, id uint64) error

	SavePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id uint64) (*Payment, error)

	// Atomic runs fn so that its writes commit together, and only if
	// nothing fn read was changed by another writer in the meantime. fn may
	// run more than once and must not keep state between runs.
	Atomic(ctx context.Context, fn func(tx Txn) error) error
}

// Ledger applies escrow operations on behalf of an authenticated caller.
// Every read-modify-write runs inside Store.Atomic, so facilitator replicas
// sharing a store cannot interleave them.
type Ledger struct {
	store Store
	pub   events.Publisher
	log   zerolog.Logger
	now   func() time.Time
}

// NewLedger creates a Ledger. A nil publisher drops events.
func NewLedger(store Store, pub events.Publisher, log zerolog.Logger) *Ledger {
	if pub == nil {
		pub = events.NopPublisher{}
	}
	return &Ledger{store: store, pub: pub, log: log, now: time.Now}
}

func escrowKey(id uint64) string { return "escrow:" + strconv.FormatUint(id, 10) }

// OpenEscrow creates the escrow for caller (the client) and server.
func (l *Ledger) OpenEscrow(ctx context.Context, caller, server string, amount int64) (*Escrow, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if caller == "" || server == "" {
		return nil, ErrUnauthorized
	}

	if _, ok, err := l.store.FindPair(ctx, caller, server); err != nil {
		return nil, err
	} else if ok {
		return nil, ErrEscrowExists
	}

	id, err := l.store.NextEscrowID(ctx)
	if err != nil {
		return nil, err
	}
	claimed, err := l.store.ClaimPair(ctx, caller, server, id)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, ErrEscrowExists
	}

	e := &Escrow{ID: id, Client: caller, Server: server, Balance: amount}
	if err := l.store.SaveEscrow(ctx, e); err != nil {
		_ = l.store.ReleasePair(ctx, caller, server)
		return nil, err
	}

	l.log.Info().Uint64("escrow", id).Str("client", caller).Str("server", server).Int64("amount", amount).Msg("escrow opened")
	events.Emit(ctx, l.pub, l.log, events.TypeEscrowOpened, escrowKey(id), e)
	return e, nil
}

// Deposit adds amount to an escrow. Only the client may deposit.
func (l *Ledger) Deposit(ctx context.Context, caller string, escrowID uint64, amount int64) (*Escrow, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	var e *Escrow
	err := l.store.Atomic(ctx, func(tx Txn) error {
		var err error
		if e, err = tx.GetEscrow(ctx, escrowID); err != nil {
			return err
		}
		if e.Client != caller {
			return ErrUnauthorized
		}
		if amount > math.MaxInt64-e.Balance {
			return ErrBalanceOverflow
		}
		e.Balance += amount
		return tx.SaveEscrow(ctx, e)
	})
	if err != nil {
		return nil, err
	}

	events.Emit(ctx, l.pub, l.log, events.TypeEscrowDeposit, escrowKey(escrowID), map[string]interface{}{
		"escrowId": escrowID,
		"amount":   amount,
		"balance":  e.Balance,
	})
	return e, nil
}

// CreatePayment records a pending payment. Only the server may create one,
// and the escrow must currently cover it.
func (l *Ledger) CreatePayment(ctx context.Context, caller string, escrowID uint64, amount int64) (*Payment, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	var p *Payment
	err := l.store.Atomic(ctx, func(tx Txn) error {
		e, err := tx.GetEscrow(ctx, escrowID)
		if err != nil {
			return err
		}
		if e.Server != caller {
			return ErrUnauthorized
		}
		if e.Balance < amount {
			return ErrInsufficientBalance
		}
		// A retried run draws a new ID, leaving a gap.
		id, err := l.store.NextPaymentID(ctx)
		if err != nil {
			return err
		}
		p = &Payment{ID: id, EscrowID: escrowID, Amount: amount, Timestamp: l.now().Unix()}
		return tx.SavePayment(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	events.Emit(ctx, l.pub, l.log, events.TypeEscrowPaymentCreated, escrowKey(escrowID), p)
	return p, nil
}

// SettlePayment deducts a pending payment from its escrow.
func (l *Ledger) SettlePayment(ctx context.Context, caller string, paymentID uint64) (*Payment, error) {
	var (
		p *Payment
		e *Escrow
	)
	err := l.store.Atomic(ctx, func(tx Txn) error {
		var err error
		if p, err = tx.GetPayment(ctx, paymentID); err != nil {
			return err
		}
		if p.Settled {
			return ErrAlreadySettled
		}
		if e, err = tx.GetEscrow(ctx, p.EscrowID); err != nil {
			return err
		}
		if e.Server != caller {
			return ErrUnauthorized
		}
		// Pending payments are not reserved, so the balance may have been spent.
		if e.Balance < p.Amount {
			return ErrInsufficientBalance
		}

		e.Balance -= p.Amount
		p.Settled = true
		if err := tx.SaveEscrow(ctx, e); err != nil {
			return err
		}
		return tx.SavePayment(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	l.log.Info().Uint64("payment", p.ID).Uint64("escrow", e.ID).Int64("amount", p.Amount).Msg("escrow payment settled")
	events.Emit(ctx, l.pub, l.log, events.TypeEscrowPaymentSettled, escrowKey(e.ID), p)
	return p, nil
}

// CloseAsClient records the client's consent to close.
func (l *Ledger) CloseAsClient(ctx context.Context, caller string, escrowID uint64) (*CloseResult, error) {
	return l.close(ctx, caller, escrowID, true)
}

// CloseAsServer records the server's consent to close.
func (l *Ledger) CloseAsServer(ctx context.Context, caller string, escrowID uint64) (*CloseResult, error) {
	return l.close(ctx, caller, escrowID, false)
}

// Close dispatches to CloseAsClient or CloseAsServer by the caller's role.
func (l *Ledger) Close(ctx context.Context, caller string, escrowID uint64) (*CloseResult, error) {
	e, err := l.Escrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	switch caller {
	case e.Client:
		return l.CloseAsClient(ctx, caller, escrowID)
	case e.Server:
		return l.CloseAsServer(ctx, caller, escrowID)
	}
	return nil, ErrUnauthorized
}

func (l *Ledger) close(ctx context.Context, caller string, escrowID uint64, asClient bool) (*CloseResult, error) {
	var e *Escrow
	err := l.store.Atomic(ctx, func(tx Txn) error {
		var err error
		if e, err = tx.GetEscrow(ctx, escrowID); err != nil {
			return err
		}

		if asClient {
			if e.Client != caller {
				return ErrUnauthorized
			}
			e.ClientClosed = true
		} else {
			if e.Server != caller {
				return ErrUnauthorized
			}
			e.ServerClosed = true
		}

		if !(e.ClientClosed && e.ServerClosed) {
			return tx.SaveEscrow(ctx, e)
		}
		if err := tx.DeleteEscrow(ctx, escrowID); err != nil {
			return err
		}
		if err := tx.ReleasePair(ctx, e.Client, e.Server); err != nil {
			return fmt.Errorf("escrow: release pair for %d: %w", escrowID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !(e.ClientClosed && e.ServerClosed) {
		return &CloseResult{EscrowID: escrowID}, nil
	}

	remaining := e.Balance

	l.log.Info().Uint64("escrow", escrowID).Int64("remaining", remaining).Msg("escrow closed")
	events.Emit(ctx, l.pub, l.log, events.TypeEscrowClosed, escrowKey(escrowID), map[string]interface{}{
		"escrowId":  escrowID,
		"remaining": remaining,
	})
	return &CloseResult{EscrowID: escrowID, Closed: true, Remaining: &remaining}, nil
}

// Balance returns the escrow's current balance.
func (l *Ledger) Balance(ctx context.Context, escrowID uint64) (int64, error) {
	e, err := l.Escrow(ctx, escrowID)
	if err != nil {
		return 0, err
	}
	return e.Balance, nil
}

// Escrow returns an escrow by ID.
func (l *Ledger) Escrow(ctx context.Context, escrowID uint64) (*Escrow, error) {
	return l.store.GetEscrow(ctx, escrowID)
}

// Payment returns a payment by ID.
func (l *Ledger) Payment(ctx context.Context, paymentID uint64) (*Payment, error) {
	return l.store.GetPayment(ctx, paymentID)
}

// FindEscrow returns the escrow ID for a pair, if one is open.
func (l *Ledger) FindEscrow(ctx context.Context, client, server string) (uint64, bool, error) {
	return l.store.FindPair(ctx, client, server)
}
