package lob

import (
	"bytes"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/velmie/tablequeue"
)

const typeURLPrefix = "type.googleapis.com/google.protobuf."

// Codec describes how payload bytes are stored.
type Codec struct {
	// Serialize wraps the payload in a protobuf Any envelope.
	Serialize bool
	// Compress deflates the (possibly serialized) payload with zlib.
	Compress bool
	// Logger receives decode fallback warnings.
	Logger tablequeue.Logger
}

// Plain reports whether the codec stores bytes unchanged.
func (c Codec) Plain() bool {
	return !c.Serialize && !c.Compress
}

// Encode serializes then compresses raw.
func (c Codec) Encode(raw []byte) ([]byte, error) {
	data := raw
	if c.Serialize {
		env, err := anypb.New(wrapperspb.Bytes(raw))
		if err != nil {
			return nil, fmt.Errorf("tablequeue lob: wrap payload: %w", err)
		}
		if data, err = proto.Marshal(env); err != nil {
			return nil, fmt.Errorf("tablequeue lob: serialize payload: %w", err)
		}
	}
	if !c.Compress {
		return data, nil
	}

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("tablequeue lob: compress payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("tablequeue lob: compress payload: %w", err)
	}

	return buf.Bytes(), nil
}

// Decode reverses Encode. Data that fails to decompress is taken as stored
// uncompressed, so rows written before compression was enabled stay readable.
func (c Codec) Decode(data []byte) ([]byte, error) {
	if c.Compress {
		plain, err := inflate(data)
		if err != nil {
			tablequeue.LoggerOrNop(c.Logger).Warn("tablequeue lob payload is not compressed; reading as stored", "err", err)
		} else {
			data = plain
		}
	}
	if !c.Serialize {
		return data, nil
	}

	raw, ok, err := unwrap(data)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("tablequeue lob: payload has no serialized envelope")
	}

	return raw, nil
}

// NewEncoder returns a writer that encodes everything written to it into w.
// Compression streams; serialization buffers until Close.
func (c Codec) NewEncoder(w io.Writer) io.WriteCloser {
	switch {
	case c.Serialize:
		return &bufferedEncoder{codec: c, dst: w}
	case c.Compress:
		return zlib.NewWriter(w)
	default:
		return nopCloser{w}
	}
}

// SmartDecode detects compression and serialization from the data itself.
func SmartDecode(data []byte) []byte {
	if looksZlib(data) {
		if plain, err := inflate(data); err == nil {
			data = plain
		}
	}
	if raw, ok, err := unwrap(data); err == nil && ok {
		return raw
	}

	return data
}

func looksZlib(data []byte) bool {
	if len(data) < 2 {
		return false
	}

	return data[0] == 0x78 && (uint16(data[0])<<8|uint16(data[1]))%31 == 0
}

func inflate(data []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	plain, err := io.ReadAll(zr)
	if err != nil {
		return nil, errors.Join(err, zr.Close())
	}

	return plain, zr.Close()
}

// unwrap reports ok=false when data is not an Any envelope around bytes or a string.
func unwrap(data []byte) ([]byte, bool, error) {
	var env anypb.Any
	if err := proto.Unmarshal(data, &env); err != nil || !strings.HasPrefix(env.GetTypeUrl(), typeURLPrefix) {
		return nil, false, nil
	}

	msg, err := env.UnmarshalNew()
	if err != nil {
		return nil, false, fmt.Errorf("tablequeue lob: deserialize payload: %w", err)
	}
	switch v := msg.(type) {
	case *wrapperspb.BytesValue:
		return v.GetValue(), true, nil
	case *wrapperspb.StringValue:
		return []byte(v.GetValue()), true, nil
	default:
		return nil, false, nil
	}
}

type bufferedEncoder struct {
	codec Codec
	dst   io.Writer
	buf   bytes.Buffer
}

func (e *bufferedEncoder) Write(p []byte) (int, error) {
	return e.buf.Write(p)
}

func (e *bufferedEncoder) Close() error {
	data, err := e.codec.Encode(e.buf.Bytes())
	if err != nil {
		return err
	}
	_, err = e.dst.Write(data)

	return err
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
