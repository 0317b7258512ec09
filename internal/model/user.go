package model

import "time"

// Role is the participant role used for per-role vote statistics.
type Role string

const (
	RoleDev    Role = "DEV"
	RoleQA     Role = "QA"
	RolePO     Role = "PO"
	RoleDesign Role = "DESIGN"
	RoleOther  Role = "OTHER"
)

type User struct {
	ID        string    `gorm:"type:uuid;primary_key" json:"id"`
	Name      string    `gorm:"not null;size:255" json:"name"`
	Role      Role      `gorm:"not null;size:20" json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

func (User) TableName() string {
	return "users"
}
