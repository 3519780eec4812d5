package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mkorchagin/intranet-approvals/pkg/database"
	"go.uber.org/zap"
)

// DirectoryRepository answers org-structure lookups from the intranet's
// user/role/department tables. It implements directory.Directory.
type DirectoryRepository struct {
	db     *database.DB
	logger *zap.Logger
}

// NewDirectoryRepository creates a new directory repository
func NewDirectoryRepository(db *database.DB, logger *zap.Logger) *DirectoryRepository {
	return &DirectoryRepository{db: db, logger: logger}
}

// UserExists reports whether the user exists and is active
func (r *DirectoryRepository) UserExists(ctx context.Context, userID string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM users WHERE id = ? AND is_active = 1`, userID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		r.logger.Error("Failed to check user", zap.String("user_id", userID), zap.Error(err))
		return false, fmt.Errorf("failed to check user: %w", err)
	}
	return true, nil
}

// UsersInRole returns active users holding the role in any department
func (r *DirectoryRepository) UsersInRole(ctx context.Context, roleID string) ([]string, error) {
	query := `
		SELECT u.id
		FROM users u
		JOIN user_roles ur ON ur.user_id = u.id
		WHERE ur.role_id = ? AND u.is_active = 1
		ORDER BY u.id
	`
	return r.userIDs(ctx, query, roleID)
}

// UsersInRoleGroup returns active users holding any role in the group
func (r *DirectoryRepository) UsersInRoleGroup(ctx context.Context, roleGroupID string) ([]string, error) {
	query := `
		SELECT DISTINCT u.id
		FROM users u
		JOIN user_roles ur ON ur.user_id = u.id
		JOIN role_group_members rgm ON rgm.role_id = ur.role_id
		WHERE rgm.role_group_id = ? AND u.is_active = 1
		ORDER BY u.id
	`
	return r.userIDs(ctx, query, roleGroupID)
}

// UsersInDepartmentRole returns active users holding the role scoped to
// the department
func (r *DirectoryRepository) UsersInDepartmentRole(ctx context.Context, departmentID, roleID string) ([]string, error) {
	query := `
		SELECT u.id
		FROM users u
		JOIN user_roles ur ON ur.user_id = u.id
		WHERE ur.role_id = ? AND u.department_id = ? AND u.is_active = 1
		ORDER BY u.id
	`
	return r.userIDs(ctx, query, roleID, departmentID)
}

func (r *DirectoryRepository) userIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to query directory", zap.Error(err))
		return nil, fmt.Errorf("failed to query directory: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
