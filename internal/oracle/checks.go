package oracle

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"hypernode-facilitator/internal/apperr"
	"hypernode-facilitator/internal/intent"
	"hypernode-facilitator/internal/models"
)

// State is the read-only settlement view the checks consult.
type State interface {
	GetEscrow(ctx context.Context, intentID string) (models.EscrowRecord, error)
	GetNode(ctx context.Context, nodeID string) (models.NodeRecord, error)
	GetProof(ctx context.Context, intentID string) (*models.UsageProof, error)
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Verdict is the scored outcome of all checks.
type Verdict struct {
	Score    float64       `json:"score"`
	Accepted bool          `json:"accepted"`
	Results  []CheckResult `json:"results"`
}

// Failed lists the names of checks that did not pass.
func (v Verdict) Failed() []string {
	var out []string
	for _, r := range v.Results {
		if !r.Passed {
			out = append(out, r.Name)
		}
	}
	return out
}

// Err is nil for an accepted verdict and an AttestationRejected error naming
// the failing checks otherwise.
func (v Verdict) Err() error {
	if v.Accepted {
		return nil
	}
	return apperr.New(apperr.CodeAttestationRejected, "score %.2f, failed checks: %s", v.Score, strings.Join(v.Failed(), ","))
}

var hexHash = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// facts are the state lookups shared by the checks. A nil pointer means the
// entity does not exist.
type facts struct {
	escrow *models.EscrowRecord
	node   *models.NodeRecord
	proof  *models.UsageProof
}

// Evaluator runs the checks against current state and scores them.
type Evaluator struct {
	state  State
	policy Policy
	now    func() time.Time
}

func NewEvaluator(state State, policy Policy) *Evaluator {
	return &Evaluator{state: state, policy: policy, now: time.Now}
}

// WithClock overrides the time source.
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	e.now = now
	return e
}

// Evaluate never mutates settlement state. The error is non-nil only when
// state could not be read; a failing report is a rejected Verdict.
func (e *Evaluator) Evaluate(ctx context.Context, r models.CompletionReport) (Verdict, error) {
	f, err := e.gather(ctx, r)
	if err != nil {
		return Verdict{}, err
	}
	results := []CheckResult{
		checkClaimantSignature(r, f),
		checkHashIntegrity(r),
		e.checkIntentState(r, f),
		checkNodeActive(f),
		checkResourceBounds(r),
		checkNoPriorProof(f),
	}
	return e.policy.Score(results), nil
}

func (e *Evaluator) gather(ctx context.Context, r models.CompletionReport) (facts, error) {
	var f facts
	rec, err := e.state.GetEscrow(ctx, r.IntentID)
	switch {
	case err == nil:
		f.escrow = &rec
	case !errors.Is(err, apperr.ErrNotFound):
		return f, fmt.Errorf("load escrow %s: %w", r.IntentID, err)
	}
	node, err := e.state.GetNode(ctx, r.NodeID)
	switch {
	case err == nil:
		f.node = &node
	case !errors.Is(err, apperr.ErrNotFound):
		return f, fmt.Errorf("load node %s: %w", r.NodeID, err)
	}
	f.proof, err = e.state.GetProof(ctx, r.IntentID)
	if err != nil {
		return f, fmt.Errorf("load proof %s: %w", r.IntentID, err)
	}
	return f, nil
}

func pass(name string) CheckResult { return CheckResult{Name: name, Passed: true} }

func fail(name, format string, args ...any) CheckResult {
	return CheckResult{Name: name, Detail: fmt.Sprintf(format, args...)}
}

// The claimant is the node's authority; an unknown node has no claimant.
func checkClaimantSignature(r models.CompletionReport, f facts) CheckResult {
	if f.node == nil {
		return fail(CheckClaimantSignature, "node %s is not registered", r.NodeID)
	}
	if r.ClaimantSignature == "" {
		return fail(CheckClaimantSignature, "missing signature")
	}
	msg, err := ReportMessage(r)
	if err != nil {
		return fail(CheckClaimantSignature, "%v", err)
	}
	ok, err := intent.Verify(f.node.Authority, r.ClaimantSignature, msg)
	if err != nil {
		return fail(CheckClaimantSignature, "%v", err)
	}
	if !ok {
		return fail(CheckClaimantSignature, "signature does not match node authority")
	}
	return pass(CheckClaimantSignature)
}

func checkHashIntegrity(r models.CompletionReport) CheckResult {
	if !hexHash.MatchString(r.ExecutionHash) {
		return fail(CheckHashIntegrity, "executionHash is not 64 hex characters")
	}
	if !hexHash.MatchString(r.LogsHash) {
		return fail(CheckHashIntegrity, "logsHash is not 64 hex characters")
	}
	if len(r.Logs) > 0 && !strings.EqualFold(HashLogs(r.Logs), r.LogsHash) {
		return fail(CheckHashIntegrity, "logs do not hash to logsHash")
	}
	return pass(CheckHashIntegrity)
}

func (e *Evaluator) checkIntentState(r models.CompletionReport, f facts) CheckResult {
	switch {
	case f.escrow == nil:
		return fail(CheckIntentState, "no escrow for intent %s", r.IntentID)
	case f.escrow.Status != models.StatusEscrowed:
		return fail(CheckIntentState, "escrow is %s", f.escrow.Status)
	case f.escrow.ExpiredAt(e.now()):
		return fail(CheckIntentState, "escrow deadline has passed")
	case f.escrow.AssignedNodeID != nil && *f.escrow.AssignedNodeID != r.NodeID:
		return fail(CheckIntentState, "escrow is assigned to %s", *f.escrow.AssignedNodeID)
	}
	return pass(CheckIntentState)
}

func checkNodeActive(f facts) CheckResult {
	switch {
	case f.node == nil:
		return fail(CheckNodeActive, "node is not registered")
	case !f.node.IsActive:
		return fail(CheckNodeActive, "node %s is deactivated", f.node.NodeID)
	}
	return pass(CheckNodeActive)
}

// Zero bounds are not enforced.
func checkResourceBounds(r models.CompletionReport) CheckResult {
	d := r.DurationMs()
	switch {
	case r.StartedAt <= 0 || d < 0:
		return fail(CheckResourceBounds, "invalid execution window")
	case r.CPUMillis < 0 || r.MemoryBytes < 0:
		return fail(CheckResourceBounds, "negative resource usage")
	case r.Bounds.MaxDurationMs > 0 && d > r.Bounds.MaxDurationMs:
		return fail(CheckResourceBounds, "ran %dms, bound %dms", d, r.Bounds.MaxDurationMs)
	case r.Bounds.MaxMemoryBytes > 0 && r.MemoryBytes > r.Bounds.MaxMemoryBytes:
		return fail(CheckResourceBounds, "used %d bytes, bound %d", r.MemoryBytes, r.Bounds.MaxMemoryBytes)
	}
	return pass(CheckResourceBounds)
}

func checkNoPriorProof(f facts) CheckResult {
	if f.proof != nil {
		return fail(CheckNoPriorProof, "proof %s already accepted", f.proof.ProofID)
	}
	return pass(CheckNoPriorProof)
}
