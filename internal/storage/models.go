package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Namespace states.
const (
	NamespaceInstalled = "installed"
	NamespaceActive    = "active"
)

type CacheNamespace struct {
	Name      string
	Role      string
	Version   string
	State     string // "installed", "active"
	CreatedAt time.Time
}

type CacheEntry struct {
	Namespace   string
	URL         string
	Status      int
	HeadersJSON string // JSON object of header name -> values
	Body        []byte
	StoredAt    time.Time
}

type PendingReport struct {
	ID            string
	DraftKey      string
	FormAction    string
	FieldsJSON    string // JSON object of form field -> value
	ChecklistJSON string // JSON array of checklist items
	Digest        string // content digest of the submitted draft
	CreatedAt     time.Time
	Synced        bool
}

type PendingPhoto struct {
	ID          string
	ReportID    string
	Category    string
	Caption     string
	Filename    string
	ContentType string
	Position    int
	Data        []byte
	CreatedAt   time.Time
}

type QueueItem struct {
	ID            string
	Type          string
	DataID        string
	Description   string
	EnqueuedAt    time.Time
	Attempts      int
	Failures      int
	NextAttemptAt time.Time
	LastError     string
}

type Rejection struct {
	ID           string
	Type         string
	DataID       string
	Description  string
	Reason       string
	StatusCode   int
	Attempts     int
	RejectedAt   time.Time
	Acknowledged bool
}
