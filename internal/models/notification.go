package models

import "time"

const (
	NotificationInfo    = "info"
	NotificationSuccess = "success"
	NotificationWarning = "warning"
	NotificationError   = "error"
)

type Notification struct {
	ID        uint      `gorm:"primaryKey;column:id"`
	UserID    string    `gorm:"index;not null;column:user_id"`
	Type      string    `gorm:"type:varchar(16);not null;column:type"`
	Title     string    `gorm:"type:varchar(255);not null;column:title"`
	Message   string    `gorm:"type:text;column:message"`
	ActionURL string    `gorm:"column:action_url"`
	IsRead    bool      `gorm:"not null;default:false;column:is_read"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (Notification) TableName() string {
	return "notifications"
}
