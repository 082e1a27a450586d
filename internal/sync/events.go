package sync

import "time"

// Sync event types broadcast to status feed subscribers.
const (
	EventSyncStarted          = "sync.started"
	EventSyncProgress         = "sync.progress"
	EventSyncCompleted        = "sync.completed"
	EventSyncFailed           = "sync.failed"
	EventSyncConflictDetected = "sync.conflict_detected"
	EventSyncConflictResolved = "sync.conflict_resolved"
	EventQueueChanged         = "queue.changed"
	EventStorageWarning       = "storage.warning"
)

// SyncEvent is a notification about sync activity. Data never carries
// sensitive field values.
type SyncEvent struct {
	Type      string                 `json:"type"`
	UserID    string                 `json:"user_id,omitempty"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

// SyncEventHandler receives sync events. It is called synchronously and
// must not block.
type SyncEventHandler func(SyncEvent)

// SetEventHandler sets the handler for sync notifications.
func (c *Coordinator) SetEventHandler(handler SyncEventHandler) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.handler = handler
}

func (c *Coordinator) emit(eventType, userID string, data map[string]interface{}) {
	c.stateMu.RLock()
	handler := c.handler
	c.stateMu.RUnlock()
	if handler == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	handler(SyncEvent{Type: eventType, UserID: userID, Data: data, Timestamp: c.now().UnixMilli()})
}

func timeMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
