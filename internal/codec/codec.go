// Package codec converts application strings to the engine's byte domain.
//
// Keys are stored as their UTF-8 bytes. Values carry a one-byte header
// so large values can be stored zstd-compressed:
//
//	0x00 | raw UTF-8
//	0x01 | zstd frame of UTF-8
package codec

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/klauspost/compress/zstd"
)

var (
	// ErrTypeMismatch is returned for arguments that are not acceptable
	// strings. Nothing is enqueued for such a call.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrCorruptValue is returned when a stored value cannot be decoded.
	ErrCorruptValue = errors.New("corrupt stored value")
)

const (
	headerRaw  byte = 0x00
	headerZstd byte = 0x01
)

// Upper bounds for Config. A stored entry must fit one engine block, so
// larger settings are clamped.
const (
	MaxKeyLimit   = 1 << 20
	MaxValueLimit = 24 << 20
)

// Config bounds keys and values.
type Config struct {
	// MaxKeySize is the largest accepted key in bytes.
	MaxKeySize int
	// MaxValueSize is the largest accepted value in bytes, before compression.
	MaxValueSize int
	// CompressThreshold compresses values longer than this many bytes.
	// Zero disables compression.
	CompressThreshold int
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		MaxKeySize:   1024,
		MaxValueSize: 6 * 1024 * 1024,
	}
}

// Codec validates and encodes keys and values. It is safe for concurrent use.
type Codec struct {
	cfg Config
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// New returns a Codec for cfg.
func New(cfg Config) (*Codec, error) {
	def := DefaultConfig()
	if cfg.MaxKeySize <= 0 {
		cfg.MaxKeySize = def.MaxKeySize
	}
	if cfg.MaxValueSize <= 0 {
		cfg.MaxValueSize = def.MaxValueSize
	}
	cfg.MaxKeySize = min(cfg.MaxKeySize, MaxKeyLimit)
	cfg.MaxValueSize = min(cfg.MaxValueSize, MaxValueLimit)

	// Decoding is always possible; a store written with compression stays
	// readable after the threshold is turned off.
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		return nil, err
	}
	c := &Codec{cfg: cfg, dec: dec}
	if cfg.CompressThreshold > 0 {
		c.enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			dec.Close()
			return nil, err
		}
	}
	return c, nil
}

// Config returns the effective limits.
func (c *Codec) Config() Config {
	return c.cfg
}

// String accepts only Go strings. Everything else, nil included, is a
// type mismatch.
func String(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: expected string, got %T", ErrTypeMismatch, v)
	}
	return s, nil
}

// Key validates k and returns its engine form.
func (c *Codec) Key(k string) ([]byte, error) {
	switch {
	case k == "":
		return nil, fmt.Errorf("%w: empty key", ErrTypeMismatch)
	case len(k) > c.cfg.MaxKeySize:
		return nil, fmt.Errorf("%w: key of %d bytes exceeds %d", ErrTypeMismatch, len(k), c.cfg.MaxKeySize)
	case !utf8.ValidString(k):
		return nil, fmt.Errorf("%w: key is not valid UTF-8", ErrTypeMismatch)
	}
	return []byte(k), nil
}

// Keys validates every key; the first failure rejects the whole set.
func (c *Codec) Keys(keys []string) ([][]byte, error) {
	out := make([][]byte, len(keys))
	for i, k := range keys {
		b, err := c.Key(k)
		if err != nil {
			return nil, fmt.Errorf("keys[%d]: %w", i, err)
		}
		out[i] = b
	}
	return out, nil
}

// CheckValue validates v without encoding it.
func (c *Codec) CheckValue(v string) error {
	if len(v) > c.cfg.MaxValueSize {
		return fmt.Errorf("%w: value of %d bytes exceeds %d", ErrTypeMismatch, len(v), c.cfg.MaxValueSize)
	}
	if !utf8.ValidString(v) {
		return fmt.Errorf("%w: value is not valid UTF-8", ErrTypeMismatch)
	}
	return nil
}

// EncodeValue validates v and returns its stored form.
func (c *Codec) EncodeValue(v string) ([]byte, error) {
	if err := c.CheckValue(v); err != nil {
		return nil, err
	}
	if c.enc != nil && len(v) > c.cfg.CompressThreshold {
		out := make([]byte, 1, 1+len(v)/2)
		out[0] = headerZstd
		return c.enc.EncodeAll([]byte(v), out), nil
	}
	out := make([]byte, 1+len(v))
	out[0] = headerRaw
	copy(out[1:], v)
	return out, nil
}

// DecodeValue reverses EncodeValue.
func (c *Codec) DecodeValue(b []byte) (string, error) {
	if len(b) == 0 {
		return "", fmt.Errorf("%w: missing header", ErrCorruptValue)
	}
	switch b[0] {
	case headerRaw:
		return string(b[1:]), nil
	case headerZstd:
		raw, err := c.dec.DecodeAll(b[1:], nil)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrCorruptValue, err)
		}
		return string(raw), nil
	}
	return "", fmt.Errorf("%w: unknown header 0x%02x", ErrCorruptValue, b[0])
}

// Close releases the zstd decoder's goroutines.
func (c *Codec) Close() {
	c.dec.Close()
	if c.enc != nil {
		c.enc.Close()
	}
}
