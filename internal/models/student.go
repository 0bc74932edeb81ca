package models

import "time"

const (
	WorkspaceStatusProvisioning = "provisioning"
	WorkspaceStatusRunning      = "running"
	WorkspaceStatusStopped      = "stopped"
	WorkspaceStatusError        = "error"
)

// Student is the slice of the external students table the workspace service reads and writes.
// A nil WorkspaceStatus means no workspace has been provisioned.
type Student struct {
	ID                    string     `gorm:"primaryKey;column:id"`
	UserID                string     `gorm:"index;not null;column:user_id"`
	WorkspaceURL          *string    `gorm:"column:workspace_url"`
	WorkspaceStatus       *string    `gorm:"index;column:workspace_status"`
	WorkspaceLastActivity *time.Time `gorm:"column:workspace_last_activity"`
	CreatedAt             time.Time  `gorm:"column:created_at"`
	UpdatedAt             time.Time  `gorm:"column:updated_at"`
}

func (Student) TableName() string {
	return "students"
}
