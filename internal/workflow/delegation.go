package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/mkorchagin/intranet-approvals/internal/models"
	"go.uber.org/zap"
)

// DelegationStore reads delegation rows; the engine never mutates them
type DelegationStore interface {
	ActiveFrom(ctx context.Context, fromUserID string, asOf time.Time) ([]*models.Delegation, error)
}

// DelegationResolver implements ActingUserResolver against the delegation
// directory. Delegations are never chained: a delegate's own delegations
// are not followed, which bounds the lookup to one round trip and rules
// out cycles by construction.
type DelegationResolver struct {
	store  DelegationStore
	logger *zap.Logger
}

// NewDelegationResolver creates a resolver over the given store
func NewDelegationResolver(store DelegationStore, logger *zap.Logger) *DelegationResolver {
	return &DelegationResolver{store: store, logger: logger}
}

// ResolveActingUser returns the approver's currently active delegate, or
// the approver unchanged when no delegation covers asOf. Among several
// covering delegations the most recently created wins.
func (r *DelegationResolver) ResolveActingUser(ctx context.Context, approverID string, asOf time.Time) (string, error) {
	delegations, err := r.store.ActiveFrom(ctx, approverID, asOf)
	if err != nil {
		return "", fmt.Errorf("failed to load delegations for %s: %w", approverID, err)
	}

	var chosen *models.Delegation
	for _, d := range delegations {
		if !d.CoversInstant(asOf) {
			continue
		}
		if chosen == nil || d.CreatedAt.After(chosen.CreatedAt) {
			chosen = d
		}
	}

	if chosen == nil {
		return approverID, nil
	}

	r.logger.Debug("Delegation applied",
		zap.String("from", approverID),
		zap.String("to", chosen.ToUserID),
		zap.Time("as_of", asOf))

	return chosen.ToUserID, nil
}
