package session

import (
	"sync"
	"time"
)

// DeliveryStatus is the final outcome of one outbound item.
type DeliveryStatus string

const (
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"  // retries exhausted
	DeliveryDropped DeliveryStatus = "dropped" // never attempted or abandoned
)

// DeliveryRecord is one entry in a session's delivery log.
type DeliveryRecord struct {
	Recipient string         `json:"recipient"`
	Text      string         `json:"text"`
	Status    DeliveryStatus `json:"status"`
	Error     string         `json:"error,omitempty"`
	At        time.Time      `json:"at"`
}

// maxDeliveryRecords bounds the per-session log.
const maxDeliveryRecords = 1000

// deliveryLog keeps the most recent delivery outcomes for one session.
type deliveryLog struct {
	mu      sync.Mutex
	records []DeliveryRecord
}

func (l *deliveryLog) Add(recipient, text string, status DeliveryStatus, cause error) {
	rec := DeliveryRecord{
		Recipient: recipient,
		Text:      text,
		Status:    status,
		At:        time.Now(),
	}
	if cause != nil {
		rec.Error = cause.Error()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	if len(l.records) > maxDeliveryRecords {
		l.records = l.records[len(l.records)-maxDeliveryRecords:]
	}
}

// Snapshot returns a copy of the log, oldest first.
func (l *deliveryLog) Snapshot() []DeliveryRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]DeliveryRecord, len(l.records))
	copy(out, l.records)
	return out
}
