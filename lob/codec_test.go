package lob

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodecEncodeDecode(t *testing.T) {
	payload := []byte("<order id=\"42\">widgets</order>")
	codecs := map[string]Codec{
		"plain":              {},
		"compress":           {Compress: true},
		"serialize":          {Serialize: true},
		"serialize+compress": {Serialize: true, Compress: true},
	}

	for name, codec := range codecs {
		t.Run(name, func(t *testing.T) {
			encoded, err := codec.Encode(payload)
			require.NoError(t, err)
			if !codec.Plain() {
				require.NotEqual(t, payload, encoded)
			}

			decoded, err := codec.Decode(encoded)
			require.NoError(t, err)
			require.Equal(t, payload, decoded)
			require.Equal(t, payload, SmartDecode(encoded))
		})
	}
}

func TestCodecDecodeFallsBackToUncompressed(t *testing.T) {
	logger := &countingLogger{}
	codec := Codec{Compress: true, Logger: logger}

	decoded, err := codec.Decode([]byte("stored before compression"))
	require.NoError(t, err)
	require.Equal(t, "stored before compression", string(decoded))
	require.Equal(t, 1, logger.warns)
}

func TestCodecDecodeRejectsMissingEnvelope(t *testing.T) {
	_, err := Codec{Serialize: true}.Decode([]byte("bare"))
	require.Error(t, err)
}

func TestNewEncoderMatchesEncode(t *testing.T) {
	payload := bytes.Repeat([]byte("abc"), 1000)
	for _, codec := range []Codec{{}, {Compress: true}, {Serialize: true, Compress: true}} {
		var buf bytes.Buffer
		enc := codec.NewEncoder(&buf)
		_, err := enc.Write(payload[:1500])
		require.NoError(t, err)
		_, err = enc.Write(payload[1500:])
		require.NoError(t, err)
		require.NoError(t, enc.Close())

		decoded, err := codec.Decode(buf.Bytes())
		require.NoError(t, err)
		require.Equal(t, payload, decoded)
	}
}

func TestSmartDecodeLeavesPlainData(t *testing.T) {
	require.Equal(t, []byte("x"), SmartDecode([]byte("x")))
	// 0x78 0x9c is a zlib header; the rest is not a valid stream.
	garbage := []byte{0x78, 0x9c, 0x01}
	require.Equal(t, garbage, SmartDecode(garbage))
}

func TestReadModeApply(t *testing.T) {
	compressed, err := Codec{Compress: true}.Encode([]byte("hello"))
	require.NoError(t, err)

	require.Equal(t, compressed, Raw.Apply(compressed))
	require.Equal(t, []byte("hello"), Decompress.Apply(compressed))
	require.Equal(t, []byte("hello"), Smart.Apply(compressed))
	require.Equal(t, []byte("plain"), Decompress.Apply([]byte("plain")))

	mode, err := ParseReadMode("smart")
	require.NoError(t, err)
	require.Equal(t, Smart, mode)
	_, err = ParseReadMode("zip")
	require.Error(t, err)
}

type countingLogger struct {
	warns int
}

func (l *countingLogger) Debug(string, ...any) {}
func (l *countingLogger) Info(string, ...any)  {}
func (l *countingLogger) Warn(string, ...any)  { l.warns++ }
func (l *countingLogger) Error(string, ...any) {}
