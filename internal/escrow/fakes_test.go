package escrow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"hypernode-facilitator/internal/apperr"
	"hypernode-facilitator/internal/models"
)

// memRepo serialises every Update with one mutex, which is the strongest form
// of the per-record lock the Postgres store takes. The ctx handed to fn is
// marked the way the store marks it with its transaction.
type memRepo struct {
	mu      sync.Mutex
	escrows map[string]models.EscrowRecord
	proofs  map[string]models.UsageProof
	nodes   map[string]models.NodeRecord
	now     func() time.Time
}

func newMemRepo(now func() time.Time) *memRepo {
	return &memRepo{
		escrows: map[string]models.EscrowRecord{},
		proofs:  map[string]models.UsageProof{},
		nodes:   map[string]models.NodeRecord{},
		now:     now,
	}
}

func (r *memRepo) CreateEscrow(_ context.Context, rec models.EscrowRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.escrows[rec.IntentID]; ok {
		return fmt.Errorf("escrow %s exists", rec.IntentID)
	}
	r.escrows[rec.IntentID] = rec
	return nil
}

func (r *memRepo) GetEscrow(_ context.Context, intentID string) (models.EscrowRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.escrows[intentID]
	if !ok {
		return models.EscrowRecord{}, apperr.New(apperr.CodeNotFound, "escrow %s", intentID)
	}
	return rec, nil
}

func (r *memRepo) Update(ctx context.Context, intentID string, fn UpdateFunc) (models.EscrowRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.escrows[intentID]
	if !ok {
		return models.EscrowRecord{}, apperr.New(apperr.CodeNotFound, "escrow %s", intentID)
	}
	mut, err := fn(context.WithValue(ctx, updateScope{}, intentID), rec)
	if err != nil {
		return models.EscrowRecord{}, err
	}
	if mut.IsZero() {
		return rec, nil
	}
	if mut.Proof != nil {
		if _, dup := r.proofs[intentID]; dup {
			return models.EscrowRecord{}, apperr.New(apperr.CodeDuplicateProof, "proof for %s", intentID)
		}
	}
	var node models.NodeRecord
	if mut.Credit != nil {
		if node, ok = r.nodes[mut.Credit.NodeID]; !ok {
			return models.EscrowRecord{}, apperr.New(apperr.CodeNotFound, "node %s", mut.Credit.NodeID)
		}
	}

	now := r.now()
	if mut.Status != "" {
		rec.Status = mut.Status
	}
	if mut.AssignNode != "" {
		id := mut.AssignNode
		rec.AssignedNodeID = &id
	}
	rec.UpdatedAt = now
	if rec.Status == models.StatusSettled {
		rec.SettledAt = &now
		if p, ok := r.proofs[intentID]; ok {
			p.Verified = true
			r.proofs[intentID] = p
		}
	}
	if mut.Proof != nil {
		r.proofs[intentID] = *mut.Proof
	}
	if mut.Credit != nil {
		node.TotalEarned += mut.Credit.Amount
		node.PendingReward += mut.Credit.Amount
		node.JobsCompleted++
		r.nodes[node.NodeID] = node
	}
	r.escrows[intentID] = rec
	return rec, nil
}

func (r *memRepo) ListByStatus(_ context.Context, status models.EscrowStatus, limit int) ([]models.EscrowRecord, error) {
	return r.list(limit, func(rec models.EscrowRecord) bool { return rec.Status == status }), nil
}

func (r *memRepo) ListExpirable(_ context.Context, nowMs int64, limit int) ([]models.EscrowRecord, error) {
	return r.list(limit, func(rec models.EscrowRecord) bool {
		return rec.Status.Refundable() && rec.ExpiresAt <= nowMs
	}), nil
}

func (r *memRepo) list(limit int, keep func(models.EscrowRecord) bool) []models.EscrowRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.EscrowRecord
	for _, rec := range r.escrows {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt < out[j].ExpiresAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *memRepo) CountByStatus(context.Context) (map[models.EscrowStatus]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[models.EscrowStatus]int64{}
	for _, rec := range r.escrows {
		out[rec.Status]++
	}
	return out, nil
}

func (r *memRepo) GetProof(_ context.Context, intentID string) (*models.UsageProof, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.proofs[intentID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (r *memRepo) CreateNode(_ context.Context, node models.NodeRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.nodes {
		if n.NodeID == node.NodeID || n.Authority == node.Authority {
			return apperr.New(apperr.CodeNodeExists, "node %s", node.NodeID)
		}
	}
	r.nodes[node.NodeID] = node
	return nil
}

func (r *memRepo) GetNode(_ context.Context, nodeID string) (models.NodeRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return models.NodeRecord{}, apperr.New(apperr.CodeNotFound, "node %s", nodeID)
	}
	return n, nil
}

func (r *memRepo) UpdateNode(ctx context.Context, nodeID string, fn NodeUpdateFunc) (models.NodeRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return models.NodeRecord{}, apperr.New(apperr.CodeNotFound, "node %s", nodeID)
	}
	out, err := fn(context.WithValue(ctx, updateScope{}, nodeID), n)
	if err != nil {
		return models.NodeRecord{}, err
	}
	r.nodes[nodeID] = out
	return out, nil
}

type updateScope struct{}

type lockState struct {
	payer  string
	amount uint64
	state  string
	payee  string
}

// memBackend is a custody ledger of account balances and per-intent locks.
type memBackend struct {
	mu       sync.Mutex
	balances map[string]uint64
	locks    map[string]*lockState

	// hang makes the next calls of the named operation wait for the context,
	// after performing the operation when landAnyway is set.
	hang       map[string]bool
	landAnyway bool

	// unscoped counts calls made outside a repository update.
	unscoped atomic.Int64
}

func newMemBackend() *memBackend {
	return &memBackend{balances: map[string]uint64{}, locks: map[string]*lockState{}, hang: map[string]bool{}}
}

func (b *memBackend) fund(account string, amount uint64) {
	b.mu.Lock()
	b.balances[account] += amount
	b.mu.Unlock()
}

func (b *memBackend) balance(account string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[account]
}

func (b *memBackend) setHang(op string, on bool) {
	b.mu.Lock()
	b.hang[op] = on
	b.mu.Unlock()
}

func (b *memBackend) maybeHang(ctx context.Context, op string, apply func() error) error {
	b.scope(ctx)
	b.mu.Lock()
	hang, land := b.hang[op], b.landAnyway
	b.mu.Unlock()
	if !hang {
		b.mu.Lock()
		defer b.mu.Unlock()
		return apply()
	}
	if land {
		b.mu.Lock()
		err := apply()
		b.mu.Unlock()
		if err != nil {
			return err
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func (b *memBackend) Lock(ctx context.Context, intentID, payer string, amount uint64) error {
	return b.maybeHang(ctx, "lock", func() error {
		if _, ok := b.locks[intentID]; ok {
			return nil
		}
		if b.balances[payer] < amount {
			return ErrInsufficientFunds
		}
		b.balances[payer] -= amount
		b.locks[intentID] = &lockState{payer: payer, amount: amount, state: "locked"}
		return nil
	})
}

func (b *memBackend) Release(ctx context.Context, intentID, payee string) error {
	return b.maybeHang(ctx, "release", func() error {
		l, ok := b.locks[intentID]
		if !ok {
			return fmt.Errorf("no lock for %s", intentID)
		}
		switch l.state {
		case "released":
			return nil
		case "refunded":
			return ErrLockClosed
		}
		l.state, l.payee = "released", payee
		b.balances[payee] += l.amount
		return nil
	})
}

func (b *memBackend) Refund(ctx context.Context, intentID string) error {
	return b.maybeHang(ctx, "refund", func() error {
		l, ok := b.locks[intentID]
		if !ok {
			return nil
		}
		switch l.state {
		case "refunded":
			return nil
		case "released":
			return ErrLockClosed
		}
		l.state = "refunded"
		b.balances[l.payer] += l.amount
		return nil
	})
}

func (b *memBackend) scope(ctx context.Context) {
	if ctx.Value(updateScope{}) == nil {
		b.unscoped.Add(1)
	}
}

func (b *memBackend) Locked(ctx context.Context, intentID string) (bool, error) {
	b.scope(ctx)
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.locks[intentID]
	return ok && l.state == "locked", nil
}

func (b *memBackend) Withdraw(ctx context.Context, account, owner string, amount uint64) error {
	return b.maybeHang(ctx, "withdraw", func() error {
		if b.balances[account] < amount {
			return ErrInsufficientFunds
		}
		b.balances[account] -= amount
		b.balances[owner] += amount
		return nil
	})
}

// split reports where an intent's amount currently sits.
func (b *memBackend) split(intentID string) (locked, refunded, released uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.locks[intentID]
	if !ok {
		return 0, 0, 0
	}
	switch l.state {
	case "locked":
		return l.amount, 0, 0
	case "refunded":
		return 0, l.amount, 0
	default:
		return 0, 0, l.amount
	}
}

func (b *memBackend) lockCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.locks)
}

// fakeAttestations accepts tokens of the form "issuer|intent|node|exec|logs".
type fakeAttestations struct{}

func (fakeAttestations) VerifyAttestation(token string) (models.Attestation, error) {
	parts := strings.Split(token, "|")
	if len(parts) != 5 {
		return models.Attestation{}, fmt.Errorf("token signature is invalid")
	}
	return models.Attestation{
		Issuer:        parts[0],
		IntentID:      parts[1],
		NodeID:        parts[2],
		ExecutionHash: parts[3],
		LogsHash:      parts[4],
		Score:         1,
	}, nil
}

func token(sub models.ProofSubmission, issuer string) string {
	return strings.Join([]string{issuer, sub.IntentID, sub.NodeID, sub.ExecutionHash, sub.LogsHash}, "|")
}
