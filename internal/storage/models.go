package storage

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record or operation does not exist.
var ErrNotFound = errors.New("not found")

// Record is a cached snapshot of a patient's medical record. Payload is the
// backend response body, opaque to the cache. CachedAt is stamped on every
// PutRecord; staleness is derived from it at read time, never stored.
type Record struct {
	PatientID  string
	CardNumber string // secondary lookup key (badge/card scan), not unique-enforced
	Payload    string // JSON stored as text
	CachedAt   time.Time
}

// NewRecordSnapshot builds a cache entry from a backend payload, extracting
// the card-number secondary key. A missing or malformed field just means no
// card-number index entry; the payload stays opaque otherwise.
func NewRecordSnapshot(patientID string, payload []byte) Record {
	var probe struct {
		CardNumber string `json:"cardNumber"`
	}
	_ = json.Unmarshal(payload, &probe)
	return Record{
		PatientID:  patientID,
		CardNumber: probe.CardNumber,
		Payload:    string(payload),
	}
}

// Operation is a deferred network mutation awaiting replay. Seq is assigned
// by the database at enqueue time and defines strict replay order.
type Operation struct {
	Seq       int64
	ID        string
	Method    string
	TargetURL string
	Headers   string // JSON object stored as text
	Body      []byte
	QueuedAt  time.Time
}
