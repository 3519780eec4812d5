package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mkorchagin/intranet-approvals/internal/models"
	"github.com/mkorchagin/intranet-approvals/pkg/database"
	"go.uber.org/zap"
)

// DelegationRepository reads approval delegations. The workflow engine
// consults delegations but never mutates them; writes belong to the
// intranet's CRUD surface.
type DelegationRepository struct {
	db     *database.DB
	logger *zap.Logger
}

// NewDelegationRepository creates a new delegation repository
func NewDelegationRepository(db *database.DB, logger *zap.Logger) *DelegationRepository {
	return &DelegationRepository{db: db, logger: logger}
}

// ActiveFrom returns active delegations out of fromUserID whose window
// covers asOf, newest first
func (r *DelegationRepository) ActiveFrom(ctx context.Context, fromUserID string, asOf time.Time) ([]*models.Delegation, error) {
	query := `
		SELECT id, from_user_id, to_user_id, start_date, end_date, is_active, created_at
		FROM delegations
		WHERE from_user_id = ?
			AND is_active = 1
			AND start_date <= ?
			AND (end_date IS NULL OR end_date >= ?)
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, fromUserID, asOf, asOf)
	if err != nil {
		r.logger.Error("Failed to get delegations", zap.String("from", fromUserID), zap.Error(err))
		return nil, fmt.Errorf("failed to get delegations: %w", err)
	}
	defer rows.Close()

	var delegations []*models.Delegation
	for rows.Next() {
		var d models.Delegation
		var endDate sql.NullTime
		if err := rows.Scan(
			&d.ID,
			&d.FromUserID,
			&d.ToUserID,
			&d.StartDate,
			&endDate,
			&d.IsActive,
			&d.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan delegation: %w", err)
		}
		if endDate.Valid {
			d.EndDate = &endDate.Time
		}
		delegations = append(delegations, &d)
	}
	return delegations, rows.Err()
}
