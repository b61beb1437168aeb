// Package codec implements the Katamari value pipeline: canonical JSON
// encoding, compression (zlib or zstd), base64 framing and SHA-256
// checksumming. All operations are pure; a Processor only carries the
// configured compression method and level.
package codec

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	kerr "github.com/gddisney/Katamari/pkg/errors"
)

// Compression methods.
const (
	MethodZlib = "zlib"
	MethodZstd = "zstd"
)

// ContentTypeJSON is the content type of values produced by Process.
const ContentTypeJSON = "text/json"

// Processed is the output of the full pipeline for one value.
type Processed struct {
	ContentType string `json:"file_type"`
	Payload     string `json:"binary_data"` // base64(compress(encode(value)))
	Checksum    string `json:"checksum"`    // sha256(compress(encode(value))) hex
}

// Processor runs values through encode -> compress -> frame -> checksum.
type Processor struct {
	Method string // MethodZlib or MethodZstd
	Level  int    // 0 = library default
}

// NewProcessor returns a Processor for the given method and level.
// An empty method defaults to zlib, matching the store default.
func NewProcessor(method string, level int) (*Processor, error) {
	if method == "" {
		method = MethodZlib
	}
	if method != MethodZlib && method != MethodZstd {
		return nil, kerr.Codec("invalid compression method: "+method, nil)
	}
	return &Processor{Method: method, Level: level}, nil
}

// Encode serializes a value to canonical JSON bytes. Object keys are emitted
// in sorted order, so equal values always produce equal bytes.
func Encode(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, kerr.Codec("failed to encode value", err)
	}
	return data, nil
}

// Decode parses canonical JSON bytes into out.
func Decode(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return kerr.Codec("failed to decode value", err)
	}
	return nil
}

// Compress compresses data with the configured method.
func (p *Processor) Compress(data []byte) ([]byte, error) {
	switch p.Method {
	case MethodZlib:
		var buf bytes.Buffer
		level := p.Level
		if level == 0 {
			level = zlib.DefaultCompression
		}
		w, err := zlib.NewWriterLevel(&buf, level)
		if err != nil {
			return nil, kerr.Codec("invalid zlib level", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, kerr.Codec("zlib compression failed", err)
		}
		if err := w.Close(); err != nil {
			return nil, kerr.Codec("zlib compression failed", err)
		}
		return buf.Bytes(), nil

	case MethodZstd:
		opts := []zstd.EOption{}
		if p.Level != 0 {
			opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(p.Level)))
		}
		enc, err := zstd.NewWriter(nil, opts...)
		if err != nil {
			return nil, kerr.Codec("failed to create zstd encoder", err)
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil

	default:
		return nil, kerr.Codec("invalid compression method: "+p.Method, nil)
	}
}

// Decompress is the inverse of Compress.
func (p *Processor) Decompress(data []byte) ([]byte, error) {
	switch p.Method {
	case MethodZlib:
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, kerr.Codec("invalid zlib payload", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, kerr.Codec("invalid zlib payload", err)
		}
		return out, nil

	case MethodZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, kerr.Codec("failed to create zstd decoder", err)
		}
		defer dec.Close()
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, kerr.Codec("invalid zstd payload", err)
		}
		return out, nil

	default:
		return nil, kerr.Codec("invalid compression method: "+p.Method, nil)
	}
}

// Frame encodes bytes as base64 text.
func Frame(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// Unframe decodes base64 text back to bytes.
func Unframe(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, kerr.Codec("invalid base64 framing", err)
	}
	return data, nil
}

// Checksum returns the SHA-256 digest of data as lowercase hex.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Process runs a value through the full pipeline.
func (p *Processor) Process(value any) (*Processed, error) {
	encoded, err := Encode(value)
	if err != nil {
		return nil, err
	}
	compressed, err := p.Compress(encoded)
	if err != nil {
		return nil, err
	}
	return &Processed{
		ContentType: ContentTypeJSON,
		Payload:     Frame(compressed),
		Checksum:    Checksum(compressed),
	}, nil
}

// Unprocess reverses Process, verifying the checksum before decompression.
// The decoded JSON is unmarshalled into out.
func (p *Processor) Unprocess(proc *Processed, out any) error {
	compressed, err := Unframe(proc.Payload)
	if err != nil {
		return err
	}
	if sum := Checksum(compressed); sum != proc.Checksum {
		return kerr.Codec("checksum mismatch on read-back", nil)
	}
	encoded, err := p.Decompress(compressed)
	if err != nil {
		return err
	}
	return Decode(encoded, out)
}
