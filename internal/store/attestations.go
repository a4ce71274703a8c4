package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"hypernode-facilitator/internal/apperr"
	"hypernode-facilitator/internal/models"
)

// CreateAttestationParams collects inputs required to persist a completion report.
type CreateAttestationParams struct {
	Report      models.CompletionReport
	ReportHash  string
	MaxAttempts int
	RunAt       time.Time
}

// CreateAttestation inserts a queued request. Resubmitting a report with the
// same hash returns the existing request and true, unless that request was
// rejected or dead-lettered: it is then reset to queued with no attempts and
// returned with false so the caller enqueues it again.
func (s *Store) CreateAttestation(ctx context.Context, p CreateAttestationParams) (models.AttestationRequest, bool, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 5
	}
	if existing, found, err := s.FindByReportHash(ctx, p.ReportHash); err != nil {
		return models.AttestationRequest{}, false, err
	} else if found {
		switch existing.Status {
		case models.AttestationRejected, models.AttestationDeadLettered:
			return s.requeueAttestation(ctx, existing, p)
		}
		return existing, true, nil
	}

	reportJSON, err := json.Marshal(p.Report)
	if err != nil {
		return models.AttestationRequest{}, false, fmt.Errorf("marshal report: %w", err)
	}
	id := uuid.New().String()
	now := s.now()
	if p.RunAt.IsZero() {
		p.RunAt = now
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO attestation_requests (id, intent_id, node_id, report_hash, report, status, attempts, max_attempts, next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, $9)
		ON CONFLICT (report_hash) DO NOTHING
	`, id, p.Report.IntentID, p.Report.NodeID, p.ReportHash, reportJSON, models.AttestationQueued, p.MaxAttempts, p.RunAt, now)
	if err != nil {
		return models.AttestationRequest{}, false, fmt.Errorf("insert attestation request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Someone else stored the same report after our initial check.
		existing, found, err := s.FindByReportHash(ctx, p.ReportHash)
		if err != nil {
			return models.AttestationRequest{}, false, err
		}
		if !found {
			return models.AttestationRequest{}, false, errors.New("report hash conflict but no existing request found")
		}
		return existing, true, nil
	}

	return models.AttestationRequest{
		ID:          id,
		IntentID:    p.Report.IntentID,
		NodeID:      p.Report.NodeID,
		Report:      p.Report,
		Status:      models.AttestationQueued,
		MaxAttempts: p.MaxAttempts,
		NextRunAt:   p.RunAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, false, nil
}

func (s *Store) requeueAttestation(ctx context.Context, existing models.AttestationRequest, p CreateAttestationParams) (models.AttestationRequest, bool, error) {
	now := s.now()
	if p.RunAt.IsZero() {
		p.RunAt = now
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE attestation_requests
		SET status = $2, attempts = 0, max_attempts = $3, next_run_at = $4, last_error = NULL, updated_at = $5
		WHERE id = $1 AND status IN ($6, $7)
	`, existing.ID, models.AttestationQueued, p.MaxAttempts, p.RunAt, now, models.AttestationRejected, models.AttestationDeadLettered)
	if err != nil {
		return models.AttestationRequest{}, false, fmt.Errorf("requeue attestation request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// A concurrent resubmission requeued it first.
		current, err := s.GetAttestation(ctx, existing.ID)
		if err != nil {
			return models.AttestationRequest{}, false, err
		}
		return current, true, nil
	}
	existing.Status = models.AttestationQueued
	existing.Attempts = 0
	existing.MaxAttempts = p.MaxAttempts
	existing.NextRunAt = p.RunAt
	existing.LastError = nil
	existing.UpdatedAt = now
	return existing, false, nil
}

// FindByReportHash returns the request storing the report, if any.
func (s *Store) FindByReportHash(ctx context.Context, hash string) (models.AttestationRequest, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `SELECT id FROM attestation_requests WHERE report_hash = $1`, hash).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AttestationRequest{}, false, nil
	}
	if err != nil {
		return models.AttestationRequest{}, false, fmt.Errorf("query report hash: %w", err)
	}
	req, err := s.GetAttestation(ctx, id)
	if err != nil {
		return models.AttestationRequest{}, false, err
	}
	return req, true, nil
}

// GetAttestation fetches a request by id.
func (s *Store) GetAttestation(ctx context.Context, id string) (models.AttestationRequest, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, intent_id, node_id, report, status, attempts, max_attempts, next_run_at, last_error, created_at, updated_at
		FROM attestation_requests WHERE id = $1
	`, id)

	var (
		req        models.AttestationRequest
		reportJSON []byte
		lastErr    pgtype.Text
	)
	if err := row.Scan(&req.ID, &req.IntentID, &req.NodeID, &reportJSON, &req.Status, &req.Attempts, &req.MaxAttempts, &req.NextRunAt, &lastErr, &req.CreatedAt, &req.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.AttestationRequest{}, apperr.New(apperr.CodeNotFound, "attestation request %s", id)
		}
		return models.AttestationRequest{}, fmt.Errorf("scan attestation request: %w", err)
	}
	if err := json.Unmarshal(reportJSON, &req.Report); err != nil {
		return models.AttestationRequest{}, fmt.Errorf("unmarshal report: %w", err)
	}
	req.LastError = textPtr(lastErr)
	return req, nil
}

// MarkLeased records that a worker picked the request up.
func (s *Store) MarkLeased(ctx context.Context, id string, attempts int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE attestation_requests SET status = $2, attempts = $3, updated_at = NOW() WHERE id = $1
	`, id, models.AttestationLeased, attempts)
	return err
}

// MarkAccepted transitions a request to accepted.
func (s *Store) MarkAccepted(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE attestation_requests SET status = $2, last_error = NULL, updated_at = NOW() WHERE id = $1
	`, id, models.AttestationAccepted)
	return err
}

// MarkRejected records the failing checks of a report the oracle refused.
func (s *Store) MarkRejected(ctx context.Context, id, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE attestation_requests SET status = $2, last_error = $3, updated_at = NOW() WHERE id = $1
	`, id, models.AttestationRejected, reason)
	return err
}

// MarkDeadLetter flags a request as dead_lettered.
func (s *Store) MarkDeadLetter(ctx context.Context, id, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE attestation_requests SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1
	`, id, models.AttestationDeadLettered, lastError)
	return err
}

// UpdateAttempts requeues a request after a retryable failure.
func (s *Store) UpdateAttempts(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE attestation_requests
		SET status = $2, attempts = $3, next_run_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1
	`, id, models.AttestationQueued, attempts, nextRun, lastErr)
	return err
}

// PendingAttestations lists queued requests that were due to run before
// dueBefore, oldest first.
func (s *Store) PendingAttestations(ctx context.Context, dueBefore time.Time, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM attestation_requests
		WHERE status = $1 AND next_run_at <= $2
		ORDER BY next_run_at LIMIT $3
	`, models.AttestationQueued, dueBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending attestations: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pending attestation: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
