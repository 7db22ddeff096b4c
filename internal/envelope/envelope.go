// Package envelope implements the single-buffer format used to carry a name → content
// mapping across the WebSocket connection, in both directions.
//
// An envelope is a JSON object. It is passed through a Codec before hitting the wire:
// version 0 (identity) sends the JSON as is, so browser clients can JSON.parse it directly;
// later versions prefix the payload with their version byte. Decoding sniffs the version,
// so a reader never needs to know which codec the writer used.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// ErrUnknownVersion is returned when a payload starts with an unsupported version byte.
var ErrUnknownVersion = errors.New("unknown envelope version")

// Version identifies a codec on the wire.
type Version byte

const (
	VersionIdentity Version = 0
	VersionDeflate  Version = 1
)

// Codec transforms an encoded envelope to and from its wire form.
type Codec interface {
	Version() Version
	Encode(p []byte) ([]byte, error)
	Decode(p []byte) ([]byte, error)
}

// ByName returns the codec registered under name ("identity" or "deflate").
func ByName(name string) (Codec, error) {
	switch name {
	case "", "identity":
		return Identity{}, nil
	case "deflate":
		return Deflate{Level: flate.DefaultCompression}, nil
	default:
		return nil, fmt.Errorf("unknown envelope codec %q", name)
	}
}

// Identity leaves the payload untouched.
type Identity struct{}

func (Identity) Version() Version { return VersionIdentity }

func (Identity) Encode(p []byte) ([]byte, error) { return p, nil }

func (Identity) Decode(p []byte) ([]byte, error) {
	if len(p) > 0 && p[0] == byte(VersionIdentity) {
		return p[1:], nil
	}
	return p, nil
}

// Deflate compresses the payload with raw DEFLATE behind a version byte.
type Deflate struct {
	Level int
}

func (Deflate) Version() Version { return VersionDeflate }

func (d Deflate) Encode(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(VersionDeflate))
	w, err := flate.NewWriter(&buf, d.Level)
	if err != nil {
		return nil, fmt.Errorf("creating deflate writer: %w", err)
	}
	if _, err := w.Write(p); err != nil {
		return nil, fmt.Errorf("compressing envelope: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compressing envelope: %w", err)
	}
	return buf.Bytes(), nil
}

func (Deflate) Decode(p []byte) ([]byte, error) {
	if len(p) == 0 || p[0] != byte(VersionDeflate) {
		return nil, fmt.Errorf("%w: not a deflate envelope", ErrUnknownVersion)
	}
	r := flate.NewReader(bytes.NewReader(p[1:]))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompressing envelope: %w", err)
	}
	return out, nil
}

// Sniff returns the codec that produced p.
func Sniff(p []byte) (Codec, error) {
	if len(p) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrUnknownVersion)
	}
	switch p[0] {
	case '{', ' ', '\t', '\n', '\r', byte(VersionIdentity):
		return Identity{}, nil
	case byte(VersionDeflate):
		return Deflate{}, nil
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownVersion, p[0])
	}
}

// Open decodes a wire payload of any supported version back to its JSON body.
func Open(p []byte) ([]byte, error) {
	c, err := Sniff(p)
	if err != nil {
		return nil, err
	}
	return c.Decode(p)
}

// Marshal encodes entries as an envelope using c.
func Marshal(c Codec, entries map[string]string) ([]byte, error) {
	body, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return c.Encode(body)
}

// Unmarshal decodes an envelope of any supported version.
func Unmarshal(p []byte) (map[string]string, error) {
	body, err := Open(p)
	if err != nil {
		return nil, err
	}
	var entries map[string]string
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	return entries, nil
}
