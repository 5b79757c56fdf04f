package tracker

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type AlertType string

const (
	AlertLowBalance         AlertType = "LOW_BALANCE"
	AlertHighLockedRatio    AlertType = "HIGH_LOCKED_RATIO"
	AlertUnauthorizedAccess AlertType = "UNAUTHORIZED_ACCESS"
	AlertDiscrepancy        AlertType = "BALANCE_DISCREPANCY"
)

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

type Alert struct {
	ID        uuid.UUID `json:"id"`
	Owner     uuid.UUID `json:"owner"`
	Type      AlertType `json:"alert_type"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

const MaxAlerts = 100

// AlertBuffer keeps the newest alerts in a fixed ring.
type AlertBuffer struct {
	mu    sync.RWMutex
	items []Alert
	next  int
	full  bool
}

func NewAlertBuffer(capacity int) *AlertBuffer {
	if capacity <= 0 {
		capacity = MaxAlerts
	}
	return &AlertBuffer{items: make([]Alert, capacity)}
}

func (b *AlertBuffer) Append(alert Alert) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items[b.next] = alert
	b.next++
	if b.next == len(b.items) {
		b.next = 0
		b.full = true
	}
}

func (b *AlertBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.full {
		return len(b.items)
	}
	return b.next
}

// List returns the retained alerts, oldest first.
func (b *AlertBuffer) List() []Alert {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.full {
		return append([]Alert(nil), b.items[:b.next]...)
	}
	out := make([]Alert, 0, len(b.items))
	out = append(out, b.items[b.next:]...)
	return append(out, b.items[:b.next]...)
}
