package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RecognitionRun tracks one pipeline run started by a recognition event,
// with per-step results.
type RecognitionRun struct {
	ID uint `gorm:"primaryKey" json:"id"`

	RunID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_recognition_runs_run_id" json:"runId"`

	// Sequence is the arrival sequence number assigned by the pipeline.
	Sequence uint64 `gorm:"not null;index:idx_recognition_runs_sequence" json:"sequence"`

	Identifier string `gorm:"type:varchar(255);not null;index:idx_recognition_runs_identifier" json:"identifier"`
	Anchor     string `gorm:"type:varchar(255)" json:"anchor"`
	SessionKey string `gorm:"type:varchar(255);not null" json:"sessionKey"`

	// Status is one of the RunStatus constants.
	Status   string `gorm:"type:varchar(20);not null;default:'pending';index:idx_recognition_runs_status" json:"status"`
	CacheHit bool   `gorm:"not null;default:false" json:"cacheHit"`

	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	// Example: {"lookup": {"status": "success", "duration_ms": 1}, "fetch": {"status": "failed", "error": "..."}}
	StepResults map[string]interface{} `gorm:"serializer:json;type:jsonb" json:"stepResults,omitempty"`

	ErrorDetails map[string]interface{} `gorm:"serializer:json;type:jsonb" json:"errorDetails,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName specifies the table name.
func (RecognitionRun) TableName() string {
	return "recognition_runs"
}

// RunStatus constants
const (
	RunStatusPending   = "pending"   // Received, not yet started
	RunStatusRunning   = "running"   // Fetching, resolving or registering
	RunStatusDisplayed = "displayed" // Instance registered and displayed
	RunStatusFailed    = "failed"    // Fetch or resolve failed
	RunStatusDiscarded = "discarded" // Anchor invalidated or superseded before display
)

// StepStatus constants for individual step results
const (
	StepStatusSuccess = "success"
	StepStatusFailed  = "failed"
	StepStatusSkipped = "skipped"
)

// BeforeCreate hook to ensure required fields.
func (r *RecognitionRun) BeforeCreate(tx *gorm.DB) error {
	if r.Sequence == 0 {
		return fmt.Errorf("sequence is required")
	}
	if r.Identifier == "" {
		return fmt.Errorf("identifier is required")
	}
	if r.RunID == uuid.Nil {
		r.RunID = uuid.New()
	}
	if r.Status == "" {
		r.Status = RunStatusPending
	}
	if r.StepResults == nil {
		r.StepResults = make(map[string]interface{})
	}
	return nil
}

// NewRecognitionRun creates a new run record.
func NewRecognitionRun(seq uint64, identifier, anchor, sessionKey string) *RecognitionRun {
	return &RecognitionRun{
		RunID:       uuid.New(),
		Sequence:    seq,
		Identifier:  identifier,
		Anchor:      anchor,
		SessionKey:  sessionKey,
		Status:      RunStatusPending,
		StepResults: make(map[string]interface{}),
	}
}

// Start marks the run as running.
func (r *RecognitionRun) Start(db *gorm.DB) error {
	now := time.Now()
	r.Status = RunStatusRunning
	r.StartedAt = &now
	r.UpdatedAt = now

	return db.Save(r).Error
}

// RecordStepResult records the result of a pipeline step.
func (r *RecognitionRun) RecordStepResult(db *gorm.DB, stepName, status string, details map[string]interface{}) error {
	if r.StepResults == nil {
		r.StepResults = make(map[string]interface{})
	}

	result := map[string]interface{}{
		"status":       status,
		"completed_at": time.Now(),
	}
	for k, v := range details {
		result[k] = v
	}

	r.StepResults[stepName] = result
	r.UpdatedAt = time.Now()

	return db.Save(r).Error
}

// MarkAsDisplayed marks the run as displayed.
func (r *RecognitionRun) MarkAsDisplayed(db *gorm.DB) error {
	return r.finish(db, RunStatusDisplayed, "", nil)
}

// MarkAsFailed marks the run as failed at stepName.
func (r *RecognitionRun) MarkAsFailed(db *gorm.DB, stepName string, err error) error {
	return r.finish(db, RunStatusFailed, stepName, err)
}

// MarkAsDiscarded marks the run as discarded before display.
func (r *RecognitionRun) MarkAsDiscarded(db *gorm.DB, stepName string, reason error) error {
	return r.finish(db, RunStatusDiscarded, stepName, reason)
}

func (r *RecognitionRun) finish(db *gorm.DB, status, stepName string, err error) error {
	now := time.Now()
	r.Status = status
	r.CompletedAt = &now
	r.UpdatedAt = now

	if err != nil {
		if r.ErrorDetails == nil {
			r.ErrorDetails = make(map[string]interface{})
		}
		r.ErrorDetails["step"] = stepName
		r.ErrorDetails["error"] = err.Error()
		r.ErrorDetails["at"] = now
	}

	return db.Save(r).Error
}

// GetRunsByIdentifier retrieves all runs for an identifier, newest first.
func GetRunsByIdentifier(db *gorm.DB, identifier string) ([]RecognitionRun, error) {
	var runs []RecognitionRun
	err := db.Where("identifier = ?", identifier).
		Order("sequence DESC").
		Find(&runs).Error

	return runs, err
}

// GetRunBySequence retrieves the run with the given sequence number.
func GetRunBySequence(db *gorm.DB, seq uint64) (*RecognitionRun, error) {
	var run RecognitionRun
	if err := db.Where("sequence = ?", seq).First(&run).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRunStats returns the number of runs per status.
func GetRunStats(db *gorm.DB) (map[string]int64, error) {
	stats := make(map[string]int64)

	statuses := []string{
		RunStatusPending,
		RunStatusRunning,
		RunStatusDisplayed,
		RunStatusFailed,
		RunStatusDiscarded,
	}

	for _, status := range statuses {
		var count int64
		err := db.Model(&RecognitionRun{}).
			Where("status = ?", status).
			Count(&count).Error
		if err != nil {
			return nil, err
		}
		stats[status] = count
	}

	return stats, nil
}
