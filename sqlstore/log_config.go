package sqlstore

import (
	"os"
	"strings"

	"github.com/velmie/tablequeue"
	"github.com/velmie/tablequeue/lob"
)

const (
	defaultLogTable      = "message_store"
	defaultRetentionDays = 30
	// RetainForever disables the expiry date.
	RetainForever = -1
	// ExpireImmediately stamps rows with the insert time as expiry date, so
	// the next cleanup sweep removes them.
	ExpireImmediately = -2
)

// LogColumns names the message table columns. Type, SlotID, Host and Label
// are optional; an empty name leaves the column out.
type LogColumns struct {
	Key           string
	Type          string
	SlotID        string
	Host          string
	MessageID     string
	CorrelationID string
	Date          string
	Comment       string
	ExpiryDate    string
	Label         string
	Message       string
}

// DefaultLogColumns returns the documented column names.
func DefaultLogColumns() LogColumns {
	return LogColumns{
		Key:           "message_key",
		Type:          "type",
		SlotID:        "slot_id",
		Host:          "host",
		MessageID:     "message_id",
		CorrelationID: "correlation_id",
		Date:          "message_date",
		Comment:       "comments",
		ExpiryDate:    "expiry_date",
		Label:         "label",
		Message:       "message",
	}
}

// LogConfig defines message log behavior.
type LogConfig struct {
	Table string
	// Columns defaults to DefaultLogColumns when left zero.
	Columns LogColumns
	// SequenceName feeds the key column on dialects that insert keys from a sequence.
	SequenceName string
	SlotID       string
	Type         tablequeue.StorageType
	Host         string
	// RetentionDays sets the expiry date of message log rows. Zero is the
	// default of 30 days, not "expire now": use ExpireImmediately for that.
	// RetainForever leaves the expiry date empty.
	RetentionDays int
	// StoreOnce skips messages whose id is already stored in the slot.
	StoreOnce bool
	// MetadataOnly leaves the payload column out of inserts.
	MetadataOnly bool
	Codec        lob.Codec
	// Order is ASC or DESC for browsing. Error storage defaults to ASC, everything else to DESC.
	Order string
}

func (c LogConfig) withDefaults() LogConfig {
	if c.Table == "" {
		c.Table = defaultLogTable
	}
	if c.Columns == (LogColumns{}) {
		c.Columns = DefaultLogColumns()
	}
	if c.Type == "" {
		c.Type = tablequeue.TypeMessageLog
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = defaultRetentionDays
	}
	if c.Host == "" {
		c.Host, _ = os.Hostname()
	}
	if c.Order == "" {
		c.Order = "DESC"
		if c.Type == tablequeue.TypeErrorStorage {
			c.Order = "ASC"
		}
	}
	c.Order = strings.ToUpper(c.Order)

	return c
}

func (c LogConfig) validate() error {
	if _, err := sanitizeTableName(c.Table); err != nil {
		return err
	}
	if c.SequenceName != "" {
		if _, err := sanitizeIdentifier(c.SequenceName); err != nil {
			return err
		}
	}
	cols := c.Columns
	if cols.Key == "" || cols.MessageID == "" || cols.CorrelationID == "" || cols.Date == "" ||
		cols.Comment == "" || cols.ExpiryDate == "" {
		return tablequeue.Configf("log requires key, message id, correlation id, date, comment and expiry date columns")
	}
	if cols.Message == "" && !c.MetadataOnly {
		return tablequeue.Configf("log requires a message column unless MetadataOnly is set")
	}
	if c.RetentionDays < ExpireImmediately {
		return tablequeue.Configf("invalid retention days %d", c.RetentionDays)
	}
	if c.Order != "ASC" && c.Order != "DESC" {
		return tablequeue.Configf("invalid log order %q", c.Order)
	}
	if _, err := tablequeue.ParseStorageType(string(c.Type)); err != nil {
		return err
	}

	return sanitizeColumns(cols.Key, cols.Type, cols.SlotID, cols.Host, cols.MessageID, cols.CorrelationID,
		cols.Date, cols.Comment, cols.ExpiryDate, cols.Label, cols.Message)
}

// slotScoped reports whether rows are filtered and stamped with a slot id.
func (c LogConfig) slotScoped() bool {
	return c.SlotID != "" && c.Columns.SlotID != ""
}

func decodePayload(codec lob.Codec, mode lob.ReadMode, data []byte) ([]byte, error) {
	if !codec.Plain() {
		return codec.Decode(data)
	}

	return mode.Apply(data), nil
}
