package notifier

import (
	"context"
	"time"
)

// Event names published on the bus.
const (
	EventSent    = "notifier.sent"
	EventFailed  = "notifier.failed"
	EventDropped = "notifier.dropped"
)

type Config struct {
	Enabled bool
	// ChatIDs receive every message.
	ChatIDs   []int64
	ParseMode string // "" or "HTML"

	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 2000
	}
	return c
}

// Sender delivers one text message to one chat.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text, parseMode string) error
}

type Priority int

const (
	PriorityInfo Priority = iota
	PriorityWarn
	PriorityAlert
)

type Message struct {
	Subject  string
	Text     string
	Priority Priority
}

type HistoryItem struct {
	At     time.Time `json:"at"`
	ChatID int64     `json:"chat_id"`
	Text   string    `json:"text"`
	Error  string    `json:"error,omitempty"`
}

// NotificationEvent is the bus payload for notifier events.
type NotificationEvent struct {
	ChatID   int64     `json:"chat_id"`
	Key      string    `json:"key"`
	Attempts int       `json:"attempts,omitempty"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}

type Stats struct {
	Queued   uint64 `json:"queued"`
	Sent     uint64 `json:"sent"`
	Failed   uint64 `json:"failed"`
	Deduped  uint64 `json:"deduped"`
	Dropped  uint64 `json:"dropped"`
	QueueLen int    `json:"queue_len"`
	Running  bool   `json:"running"`
}
