// Package checkpoint encodes orchestrator state for storage and provides an
// in-memory state store.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/nidhogg/nuka-conductor/internal/orchestrator"
)

// ErrNotFound is returned when a requested turn was never saved.
var ErrNotFound = fmt.Errorf("checkpoint not found: %w", orchestrator.ErrNoPriorState)

// Limits bound the long text fields kept in a checkpoint.
type Limits struct {
	EventContent  int
	ResultContent int
}

// DefaultLimits keeps 500 characters of event content and 1000 of result content.
func DefaultLimits() Limits {
	return Limits{EventContent: 500, ResultContent: 1000}
}

// Codec turns a State into compressed bytes and back. Encoding is lossy: long
// event and result text is truncated to the configured limits.
type Codec struct {
	limits Limits

	once sync.Once
	enc  *zstd.Encoder
	dec  *zstd.Decoder
	err  error
}

// NewCodec creates a codec. Zero limits fall back to DefaultLimits.
func NewCodec(limits Limits) *Codec {
	def := DefaultLimits()
	if limits.EventContent <= 0 {
		limits.EventContent = def.EventContent
	}
	if limits.ResultContent <= 0 {
		limits.ResultContent = def.ResultContent
	}
	return &Codec{limits: limits}
}

func (c *Codec) init() error {
	c.once.Do(func() {
		c.enc, c.err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if c.err != nil {
			return
		}
		c.dec, c.err = zstd.NewReader(nil)
	})
	return c.err
}

// Truncate returns a copy of s with long text fields cut to the limits.
func (c *Codec) Truncate(s *orchestrator.State) *orchestrator.State {
	out := s.Clone()
	for i := range out.Events {
		out.Events[i].Content = clip(out.Events[i].Content, c.limits.EventContent)
	}
	for i := range out.Results {
		out.Results[i].Content = clip(out.Results[i].Content, c.limits.ResultContent)
	}
	return out
}

// Encode truncates, marshals, and compresses s.
func (c *Codec) Encode(s *orchestrator.State) ([]byte, error) {
	if err := c.init(); err != nil {
		return nil, fmt.Errorf("init zstd: %w", err)
	}
	raw, err := json.Marshal(c.Truncate(s))
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	return c.enc.EncodeAll(raw, make([]byte, 0, len(raw)/3)), nil
}

// Decode reverses Encode.
func (c *Codec) Decode(data []byte) (*orchestrator.State, error) {
	if err := c.init(); err != nil {
		return nil, fmt.Errorf("init zstd: %w", err)
	}
	raw, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress state: %w", err)
	}
	var s orchestrator.State
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return &s, nil
}

// clip cuts s to at most n runes.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
