package blackboard

import (
	"context"
	"fmt"

	"github.com/reelcraft/orchestrator/pkg/models"
)

// CreateApproval inserts a new approval request row.
func (s *Store) CreateApproval(ctx context.Context, a models.ApprovalRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approval_requests (id, project_id, stage, status, context, metadata,
		                                timeout_minutes, created_at, decided_at, decision_comment)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.ProjectID, a.Stage, a.Status, a.Context, a.Metadata,
		a.TimeoutMinutes, a.CreatedAt, a.DecidedAt, nullIfEmpty(a.DecisionComment))
	if err != nil {
		return fmt.Errorf("blackboard: insert approval %s: %w", a.ID, err)
	}
	return nil
}

// GetApproval reads a single approval request by ID.
func (s *Store) GetApproval(ctx context.Context, id string) (models.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, stage, status, context, metadata, timeout_minutes,
		       created_at, decided_at, COALESCE(decision_comment, '')
		FROM approval_requests WHERE id = $1`, id)
	return scanApproval(row)
}

// UpdateApproval writes back an approval request's status, decision
// timestamp, and comment.
func (s *Store) UpdateApproval(ctx context.Context, a models.ApprovalRequest) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE approval_requests
		SET status = $1, decided_at = $2, decision_comment = $3
		WHERE id = $4`,
		a.Status, a.DecidedAt, nullIfEmpty(a.DecisionComment), a.ID)
	if err != nil {
		return fmt.Errorf("blackboard: update approval %s: %w", a.ID, err)
	}
	return nil
}

// ListPendingApprovals returns every approval request still awaiting a
// decision, read straight from Postgres so a restarted pod can rebuild
// its paused-project set from the authoritative source.
func (s *Store) ListPendingApprovals(ctx context.Context) ([]models.ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, stage, status, context, metadata, timeout_minutes,
		       created_at, decided_at, COALESCE(decision_comment, '')
		FROM approval_requests WHERE status = $1`, models.ApprovalPending)
	if err != nil {
		return nil, fmt.Errorf("blackboard: list pending approvals: %w", err)
	}
	defer rows.Close()

	var out []models.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanApproval(row rowScanner) (models.ApprovalRequest, error) {
	var a models.ApprovalRequest
	if err := row.Scan(&a.ID, &a.ProjectID, &a.Stage, &a.Status, &a.Context, &a.Metadata,
		&a.TimeoutMinutes, &a.CreatedAt, &a.DecidedAt, &a.DecisionComment); err != nil {
		return models.ApprovalRequest{}, fmt.Errorf("blackboard: scan approval: %w", err)
	}
	return a, nil
}
