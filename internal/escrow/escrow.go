// Package escrow is the settlement state machine. Records move
//
//	authorized -> escrowed -> verified -> settled
//
// with side exits from authorized or escrowed to cancelled and expired. Every
// transition is a single Repository.Update, which holds the record's lock for
// the duration of the callback, so concurrent writers observe either the old
// status or the new one and never a partial transfer.
package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"hypernode-facilitator/internal/ledger"
	"hypernode-facilitator/internal/models"
	"hypernode-facilitator/internal/verify"
)

// ErrInsufficientFunds is returned by Backend.Lock when the payer cannot cover the amount.
var ErrInsufficientFunds = errors.New("insufficient funds")

// ErrLockClosed is returned when a lock was already released or refunded the other way.
var ErrLockClosed = errors.New("lock already closed")

// Backend moves value. Every call is idempotent per intentID so a caller that
// timed out may repeat it once it has re-read the record's status.
type Backend interface {
	Lock(ctx context.Context, intentID, payer string, amount uint64) error
	Release(ctx context.Context, intentID, payee string) error
	Refund(ctx context.Context, intentID string) error
	Locked(ctx context.Context, intentID string) (bool, error)
	// Withdraw pays out of a reward account to its owner.
	Withdraw(ctx context.Context, account, owner string, amount uint64) error
}

// Credit is the node bookkeeping applied together with a settlement.
type Credit struct {
	NodeID string
	Amount uint64
}

// Mutation is what an Update callback asks the repository to persist. The zero
// value leaves the record untouched.
type Mutation struct {
	Status     models.EscrowStatus
	AssignNode string
	Proof      *models.UsageProof
	Credit     *Credit
}

func (m Mutation) IsZero() bool {
	return m.Status == "" && m.AssignNode == "" && m.Proof == nil && m.Credit == nil
}

// UpdateFunc inspects the locked record and returns the mutation to apply. A
// non-nil error aborts without changes. Backend calls made inside fn must use
// the ctx it is given so they join the record's transaction.
type UpdateFunc func(ctx context.Context, rec models.EscrowRecord) (Mutation, error)

// NodeUpdateFunc is the node counterpart of UpdateFunc.
type NodeUpdateFunc func(ctx context.Context, n models.NodeRecord) (models.NodeRecord, error)

// Repository persists escrow records, proofs and nodes.
type Repository interface {
	CreateEscrow(ctx context.Context, rec models.EscrowRecord) error
	// GetEscrow returns apperr.ErrNotFound when absent.
	GetEscrow(ctx context.Context, intentID string) (models.EscrowRecord, error)
	// Update applies fn under the record's lock. Inserting a second proof for an
	// intent fails with apperr.ErrDuplicateProof.
	Update(ctx context.Context, intentID string, fn UpdateFunc) (models.EscrowRecord, error)
	ListByStatus(ctx context.Context, status models.EscrowStatus, limit int) ([]models.EscrowRecord, error)
	// ListExpirable returns refundable records whose deadline is at or before nowMs.
	ListExpirable(ctx context.Context, nowMs int64, limit int) ([]models.EscrowRecord, error)
	CountByStatus(ctx context.Context) (map[models.EscrowStatus]int64, error)
	GetProof(ctx context.Context, intentID string) (*models.UsageProof, error)

	// CreateNode fails with apperr.ErrNodeExists when the id or authority is taken.
	CreateNode(ctx context.Context, node models.NodeRecord) error
	GetNode(ctx context.Context, nodeID string) (models.NodeRecord, error)
	UpdateNode(ctx context.Context, nodeID string, fn NodeUpdateFunc) (models.NodeRecord, error)
}

// AttestationVerifier checks an oracle token and returns its claims.
type AttestationVerifier interface {
	VerifyAttestation(token string) (models.Attestation, error)
}

// Publisher receives committed transitions.
type Publisher interface {
	Publish(models.SettlementEvent)
}

// Deps are the collaborators a Machine is built from.
type Deps struct {
	Repo         Repository
	Backend      Backend
	Ledger       ledger.Ledger
	Verifier     *verify.Verifier
	Attestations AttestationVerifier
	Events       Publisher
	Logger       zerolog.Logger
}

// Config holds the machine's policy.
type Config struct {
	// OracleIdentity is the only identity allowed to submit usage proofs.
	OracleIdentity string
	BackendTimeout time.Duration
}

// Machine drives escrow records through their lifecycle.
type Machine struct {
	repo    Repository
	backend Backend
	ledger  ledger.Ledger
	verify  *verify.Verifier
	attest  AttestationVerifier
	events  Publisher
	log     zerolog.Logger
	cfg     Config
	now     func() time.Time
}

func New(deps Deps, cfg Config) *Machine {
	if cfg.BackendTimeout <= 0 {
		cfg.BackendTimeout = 10 * time.Second
	}
	events := deps.Events
	if events == nil {
		events = nopPublisher{}
	}
	return &Machine{
		repo:    deps.Repo,
		backend: deps.Backend,
		ledger:  deps.Ledger,
		verify:  deps.Verifier,
		attest:  deps.Attestations,
		events:  events,
		log:     deps.Logger.With().Str("component", "escrow").Logger(),
		cfg:     cfg,
		now:     time.Now,
	}
}

// WithClock overrides the time source.
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

type nopPublisher struct{}

func (nopPublisher) Publish(models.SettlementEvent) {}

func (m *Machine) emit(kind models.EventKind, rec models.EscrowRecord) {
	ev := models.SettlementEvent{
		Kind:     kind,
		IntentID: rec.IntentID,
		Client:   rec.Client,
		Amount:   rec.Amount,
		At:       m.now(),
	}
	if rec.AssignedNodeID != nil {
		ev.NodeID = *rec.AssignedNodeID
	}
	m.events.Publish(ev)
}
