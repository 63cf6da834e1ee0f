package database

import (
	"context"
	"subscription-api/internal/models"

	"gorm.io/gorm"
)

// EventLog remembers processor webhook events that have been applied
type EventLog struct {
	db *gorm.DB
}

// NewEventLog creates an event log
func NewEventLog(db *gorm.DB) *EventLog {
	return &EventLog{db: db}
}

// MarkProcessed records the event and reports whether it was new
func (l *EventLog) MarkProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	err := l.db.WithContext(ctx).Create(&models.ProcessedEvent{EventID: eventID, Type: eventType}).Error
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Forget removes an event so a failed application can be retried by the processor
func (l *EventLog) Forget(ctx context.Context, eventID string) error {
	return l.db.WithContext(ctx).Where("event_id = ?", eventID).Delete(&models.ProcessedEvent{}).Error
}
