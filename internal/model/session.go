package model

import (
	"time"

	"gorm.io/datatypes"
)

type Session struct {
	ID          string         `gorm:"type:uuid;primary_key" json:"id"`
	Code        string         `gorm:"uniqueIndex;not null;size:6" json:"code"`
	Title       string         `gorm:"not null" json:"title"`
	Description *string        `json:"description"`
	Deck        datatypes.JSON `json:"deck"`
	RoleDecks   datatypes.JSON `json:"roleDecks"`
	// Returned to the creator exactly once; every other read path must blank it.
	FacilitatorSecret string    `json:"facilitatorSecret,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

func (Session) TableName() string {
	return "sessions"
}

// Redacted returns a copy safe for general reads, with the facilitator
// secret stripped.
func (s Session) Redacted() Session {
	s.FacilitatorSecret = ""
	return s
}
