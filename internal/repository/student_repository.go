package repository

import (
	"context"
	"errors"
	"time"

	"github.com/apranova/lms-workspace/internal/models"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("record not found")

// WorkspaceUpdate describes a partial write of the workspace columns on a student row.
// Clear* flags write NULL; they win over the corresponding value.
type WorkspaceUpdate struct {
	Status       *string
	ClearStatus  bool
	URL          *string
	ClearURL     bool
	LastActivity *time.Time
}

func (u WorkspaceUpdate) columns() map[string]interface{} {
	updates := map[string]interface{}{}
	switch {
	case u.ClearStatus:
		updates["workspace_status"] = nil
	case u.Status != nil:
		updates["workspace_status"] = *u.Status
	}
	switch {
	case u.ClearURL:
		updates["workspace_url"] = nil
	case u.URL != nil:
		updates["workspace_url"] = *u.URL
	}
	if u.LastActivity != nil {
		updates["workspace_last_activity"] = *u.LastActivity
	}
	return updates
}

type StudentRepository struct {
	db *gorm.DB
}

func NewStudentRepository(db *gorm.DB) *StudentRepository {
	return &StudentRepository{db: db}
}

func (r *StudentRepository) GetByID(ctx context.Context, id string) (*models.Student, error) {
	var student models.Student
	if err := r.db.WithContext(ctx).First(&student, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &student, nil
}

func (r *StudentRepository) GetByUserID(ctx context.Context, userID string) (*models.Student, error) {
	var student models.Student
	if err := r.db.WithContext(ctx).First(&student, "user_id = ?", userID).Error; err != nil {
		return nil, translate(err)
	}
	return &student, nil
}

// UpdateWorkspace applies u to the student row. A row that does not exist yields ErrNotFound.
func (r *StudentRepository) UpdateWorkspace(ctx context.Context, id string, u WorkspaceUpdate) error {
	updates := u.columns()
	if len(updates) == 0 {
		return nil
	}
	updates["updated_at"] = time.Now().UTC()

	res := r.db.WithContext(ctx).
		Model(&models.Student{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *StudentRepository) TouchActivity(ctx context.Context, id string, at time.Time) error {
	return r.UpdateWorkspace(ctx, id, WorkspaceUpdate{LastActivity: &at})
}

// ListIdle returns students whose workspace is running and whose last activity is older than
// before. Running rows without any recorded activity count as idle.
func (r *StudentRepository) ListIdle(ctx context.Context, before time.Time) ([]models.Student, error) {
	var students []models.Student
	err := r.db.WithContext(ctx).
		Where("workspace_status = ?", models.WorkspaceStatusRunning).
		Where("workspace_last_activity IS NULL OR workspace_last_activity < ?", before).
		Order("workspace_last_activity ASC").
		Find(&students).Error
	if err != nil {
		return nil, err
	}
	return students, nil
}

// ListClaimedURLs returns workspace URLs held by students other than excludeID.
func (r *StudentRepository) ListClaimedURLs(ctx context.Context, excludeID string) ([]string, error) {
	var urls []string
	err := r.db.WithContext(ctx).
		Model(&models.Student{}).
		Where("id <> ?", excludeID).
		Where("workspace_status IS NOT NULL AND workspace_url IS NOT NULL").
		Pluck("workspace_url", &urls).Error
	if err != nil {
		return nil, err
	}
	return urls, nil
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
