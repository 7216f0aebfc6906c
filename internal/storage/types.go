package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("store closed")
)

// Config configures storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusError   Status = "error"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusError:
		return true
	}
	return false
}

type LogStatus string

const (
	LogSuccess LogStatus = "success"
	LogError   LogStatus = "error"
)

// Item is one deliverable book: a cover image plus a document.
// SentAt is set once the item leaves pending (sent or error).
type Item struct {
	ID           int64      `json:"id"`
	Title        string     `json:"title"`
	Author       string     `json:"author"`
	Pages        int        `json:"pages,omitempty"`
	Description  string     `json:"description,omitempty"`
	CoverPath    string     `json:"cover_path"`
	DocumentPath string     `json:"document_path"`
	Status       Status     `json:"status"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// LogEntry is one delivery attempt. ItemTitle is filled by RecentLogs when
// the item still exists.
type LogEntry struct {
	ID        int64     `json:"id"`
	ItemID    int64     `json:"item_id"`
	ItemTitle string    `json:"item_title,omitempty"`
	Status    LogStatus `json:"status"`
	Message   string    `json:"message,omitempty"`
	At        time.Time `json:"at"`
}

type Counts struct {
	Pending int `json:"pending"`
	Sent    int `json:"sent"`
	Error   int `json:"error"`
}

func (c Counts) Total() int { return c.Pending + c.Sent + c.Error }

// Store is implemented by every driver.
type Store interface {
	// AddItem inserts a pending item and returns it with ID and CreatedAt set.
	AddItem(ctx context.Context, it Item) (Item, error)
	Item(ctx context.Context, id int64) (Item, error)
	// ListItems returns items oldest first; an empty status lists all.
	ListItems(ctx context.Context, status Status) ([]Item, error)

	// NextPendingItem returns the oldest pending item, or nil if none.
	NextPendingItem(ctx context.Context) (*Item, error)
	MarkStatus(ctx context.Context, id int64, status Status, at time.Time) error
	AppendLog(ctx context.Context, itemID int64, status LogStatus, message string) error
	RecentLogs(ctx context.Context, limit int) ([]LogEntry, error)
	CountByStatus(ctx context.Context) (Counts, error)

	// GetSetting reports ok=false for a missing key.
	GetSetting(ctx context.Context, key string) (value string, ok bool, err error)
	SetSetting(ctx context.Context, key, value string) error

	Close() error
}
