package lob

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/velmie/tablequeue"
	"github.com/velmie/tablequeue/dialect"
)

// ReadMode selects how stored bytes are decoded.
type ReadMode int

const (
	// Raw returns the column as stored.
	Raw ReadMode = iota
	// Decompress inflates zlib data and falls back to the stored bytes.
	Decompress
	// Smart detects compression and serialization from the data.
	Smart
)

// ParseReadMode parses "raw", "decompress" or "smart".
func ParseReadMode(s string) (ReadMode, error) {
	switch s {
	case "", "raw":
		return Raw, nil
	case "decompress":
		return Decompress, nil
	case "smart":
		return Smart, nil
	default:
		return Raw, tablequeue.Configf("unknown lob read mode %q", s)
	}
}

// Apply decodes data according to the mode.
func (m ReadMode) Apply(data []byte) []byte {
	switch m {
	case Decompress:
		if plain, err := inflate(data); err == nil {
			return plain
		}

		return data
	case Smart:
		return SmartDecode(data)
	default:
		return data
	}
}

// Reader is an io.ReadCloser over a decoded LOB value.
type Reader struct {
	*bytes.Reader
	release func() error
	closed  bool
}

// Close releases the connection the reader was opened with.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.release == nil {
		return nil
	}

	return r.release()
}

// OpenReader reads the target column and returns its decoded bytes. The
// reader owns conn and releases it on Close.
func OpenReader(ctx context.Context, conn *tablequeue.Conn, adapter dialect.Adapter, target Target, mode ReadMode) (*Reader, error) {
	data, err := readColumn(ctx, conn, adapter, target)
	if err != nil {
		return nil, errors.Join(err, conn.Release())
	}

	return &Reader{Reader: bytes.NewReader(mode.Apply(data)), release: conn.Release}, nil
}

// ReadString reads the whole target column as text.
func ReadString(ctx context.Context, q dialect.Querier, adapter dialect.Adapter, target Target, mode ReadMode) (string, error) {
	data, err := readColumn(ctx, q, adapter, target)
	if err != nil {
		return "", err
	}

	return string(mode.Apply(data)), nil
}

func readColumn(ctx context.Context, q dialect.Querier, adapter dialect.Adapter, target Target) ([]byte, error) {
	if adapter == nil {
		return nil, tablequeue.Configf("dialect adapter is required")
	}
	if err := target.validate(); err != nil {
		return nil, err
	}

	query := adapter.Rebind(fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s = ?", target.Column, target.Table, target.KeyColumn,
	))
	var data []byte
	err := q.QueryRowContext(ctx, query, tablequeue.KeyValue(target.Key)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: key %s", tablequeue.ErrNotFound, target.Key)
	}
	if err != nil {
		return nil, tablequeue.NewStorageError("read lob", query, err)
	}

	return data, nil
}

var _ io.ReadCloser = (*Reader)(nil)
