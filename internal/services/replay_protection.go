package services

import (
	"subscription-api/pkg/logging"
	"sync"
	"time"
)

// ReplayProtection remembers recently applied webhook event ids in memory.
// It is the fast path in front of the persistent event log.
type ReplayProtection struct {
	processedEvents map[string]time.Time
	mutex           sync.RWMutex
	cleanupInterval time.Duration
	eventTTL        time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// NewReplayProtection starts a replay guard with a background cleanup loop
func NewReplayProtection(eventTTL, cleanupInterval time.Duration) *ReplayProtection {
	if eventTTL <= 0 {
		eventTTL = 24 * time.Hour
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Hour
	}
	rp := &ReplayProtection{
		processedEvents: make(map[string]time.Time),
		cleanupInterval: cleanupInterval,
		eventTTL:        eventTTL,
		stopCleanup:     make(chan struct{}),
	}

	go rp.startCleanupRoutine()

	return rp
}

// IsReplay records eventID and reports whether it was seen before
func (rp *ReplayProtection) IsReplay(eventID string) bool {
	if eventID == "" {
		logging.Infof("Event id is empty, skipping replay check")
		return false
	}

	rp.mutex.Lock()
	defer rp.mutex.Unlock()

	if processedTime, exists := rp.processedEvents[eventID]; exists {
		logging.Infof("Replay detected - event_id: %s, previously processed at: %v", eventID, processedTime)
		return true
	}

	rp.processedEvents[eventID] = time.Now()
	return false
}

// Forget drops an event so a redelivery is applied again
func (rp *ReplayProtection) Forget(eventID string) {
	rp.mutex.Lock()
	defer rp.mutex.Unlock()
	delete(rp.processedEvents, eventID)
}

func (rp *ReplayProtection) startCleanupRoutine() {
	ticker := time.NewTicker(rp.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rp.cleanup()
		case <-rp.stopCleanup:
			return
		}
	}
}

// cleanup removes expired event records
func (rp *ReplayProtection) cleanup() {
	rp.mutex.Lock()
	defer rp.mutex.Unlock()

	now := time.Now()
	initialCount := len(rp.processedEvents)

	for eventID, processedTime := range rp.processedEvents {
		if now.Sub(processedTime) > rp.eventTTL {
			delete(rp.processedEvents, eventID)
		}
	}

	cleanedCount := initialCount - len(rp.processedEvents)
	if cleanedCount > 0 {
		logging.Infof("Replay protection cleanup: removed %d expired events, remaining: %d", cleanedCount, len(rp.processedEvents))
	}
}

// GetStats returns counters for the health endpoint
func (rp *ReplayProtection) GetStats() map[string]interface{} {
	rp.mutex.RLock()
	defer rp.mutex.RUnlock()

	return map[string]interface{}{
		"total_processed":  len(rp.processedEvents),
		"cleanup_interval": rp.cleanupInterval.String(),
		"event_ttl":        rp.eventTTL.String(),
	}
}

// Stop ends the cleanup loop. It is safe to call more than once.
func (rp *ReplayProtection) Stop() {
	rp.stopOnce.Do(func() { close(rp.stopCleanup) })
}
