package tablequeue

import (
	"strconv"
	"time"
	"unicode/utf8"
)

// Column limits applied when storing messages. Longer values are truncated.
const (
	MaxMessageIDLen     = 100
	MaxCorrelationIDLen = 256
	MaxCommentLen       = 1000
	MaxLabelLen         = 1000
)

// Message describes a new message to be stored.
type Message struct {
	// MessageID identifies the message for deduplication. When empty, a UUID v7 is assigned.
	MessageID string
	// CorrelationID links related messages.
	CorrelationID string
	// ReceivedAt is stored as the message date. Zero means "now".
	ReceivedAt time.Time
	Comment    string
	Label      string
	Payload    []byte
}

// Truncated returns a copy with every bounded field cut to its column limit.
func (m Message) Truncated() Message {
	m.MessageID = Truncate(m.MessageID, MaxMessageIDLen)
	m.CorrelationID = Truncate(m.CorrelationID, MaxCorrelationIDLen)
	m.Comment = Truncate(m.Comment, MaxCommentLen)
	m.Label = Truncate(m.Label, MaxLabelLen)

	return m
}

// Truncate cuts s to at most limit runes.
func Truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}

	return string([]rune(s)[:limit])
}

// MessageMeta is the browsable metadata of a stored row, without payload.
type MessageMeta struct {
	Key           string
	Type          StorageType
	SlotID        string
	Host          string
	MessageID     string
	CorrelationID string
	InsertDate    time.Time
	ExpiryDate    *time.Time
	Comment       string
	Label         string
}

// StoredMessage is one physical row including its decoded payload.
type StoredMessage struct {
	MessageMeta
	Payload []byte
}

// Duplicate tells whether a store call found an existing message with the same id.
type Duplicate int

const (
	// DuplicateNone means the message was inserted.
	DuplicateNone Duplicate = iota
	// DuplicateIdentical means a message with the same id and payload already exists.
	DuplicateIdentical
	// DuplicateDiffers means a message with the same id but a different payload exists.
	DuplicateDiffers
)

func (d Duplicate) String() string {
	switch d {
	case DuplicateNone:
		return "none"
	case DuplicateIdentical:
		return "identical"
	case DuplicateDiffers:
		return "differs"
	default:
		return "unknown"
	}
}

// StoreResult is returned by a successful store. Duplicates are results, not errors.
type StoreResult struct {
	// Key of the inserted row, or of the existing row for duplicates.
	Key       string
	Duplicate Duplicate
}

// IsDuplicate reports whether the message was not inserted because it already existed.
func (r StoreResult) IsDuplicate() bool {
	return r.Duplicate != DuplicateNone
}

// KeyValue converts a message key to its bind value. Numeric keys bind as
// int64 so that integer key columns compare without implicit casts.
func KeyValue(key string) any {
	if n, err := strconv.ParseInt(key, 10, 64); err == nil {
		return n
	}

	return key
}
