package models

import "time"

// Delegation is a time-bounded substitution of one user's approval
// authority by another. Read-only to the engine.
type Delegation struct {
	ID         int64      `json:"id"`
	FromUserID string     `json:"from_user_id"`
	ToUserID   string     `json:"to_user_id"`
	StartDate  time.Time  `json:"start_date"`
	EndDate    *time.Time `json:"end_date,omitempty"` // nil = open-ended
	IsActive   bool       `json:"is_active"`
	CreatedAt  time.Time  `json:"created_at"`
}

// CoversInstant reports whether the delegation window contains the given time
func (d *Delegation) CoversInstant(t time.Time) bool {
	if !d.IsActive {
		return false
	}
	if t.Before(d.StartDate) {
		return false
	}
	if d.EndDate != nil && t.After(*d.EndDate) {
		return false
	}
	return true
}
