package model

import "time"

// DefaultDimension is the estimation axis used when a vote does not name one.
const DefaultDimension = "point"

// Vote is the current estimate of one user on one dimension of a session.
// At most one row exists per (session, user, dimension); revotes update the
// existing row in place.
type Vote struct {
	ID        string    `gorm:"type:uuid;primary_key" json:"id"`
	SessionID string    `gorm:"type:uuid;not null;index" json:"sessionId"`
	UserID    string    `gorm:"type:uuid;not null;index" json:"userId"`
	Value     float64   `gorm:"not null" json:"value"`
	Hidden    bool      `gorm:"not null;default:true" json:"hidden"`
	Dimension string    `gorm:"not null;size:50;default:'point'" json:"dimension"`
	User      User      `gorm:"foreignKey:UserID" json:"user"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Vote) TableName() string {
	return "votes"
}
