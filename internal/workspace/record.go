package workspace

import (
	"time"

	"github.com/apranova/lms-workspace/internal/models"
)

type Status string

const (
	StatusNone         Status = ""
	StatusProvisioning Status = models.WorkspaceStatusProvisioning
	StatusRunning      Status = models.WorkspaceStatusRunning
	StatusStopped      Status = models.WorkspaceStatusStopped
	StatusError        Status = models.WorkspaceStatusError
)

const handlePrefix = "codeserver-"

// Record is the workspace aggregate returned by every lifecycle operation.
type Record struct {
	ID             string     `json:"id"`
	StudentID      string     `json:"studentId"`
	Status         Status     `json:"status,omitempty"`
	URL            *string    `json:"url"`
	LastActivityAt *time.Time `json:"lastActivityAt,omitempty"`
	ContainerName  string     `json:"containerName"`
}

// Handle derives the execution unit name for a student.
func Handle(studentID string) string {
	short := studentID
	if len(short) > 8 {
		short = short[:8]
	}
	return handlePrefix + short
}

func statusOf(s *models.Student) Status {
	if s.WorkspaceStatus == nil {
		return StatusNone
	}
	return Status(*s.WorkspaceStatus)
}

func recordFrom(s *models.Student) *Record {
	return &Record{
		ID:             s.ID,
		StudentID:      s.ID,
		Status:         statusOf(s),
		URL:            s.WorkspaceURL,
		LastActivityAt: s.WorkspaceLastActivity,
		ContainerName:  Handle(s.ID),
	}
}
