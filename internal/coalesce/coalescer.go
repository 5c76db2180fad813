// Package coalesce batches individual result records into fewer visible
// updates.
//
// Records added with Add stay pending until a flush. A flush happens when the
// pending count reaches MaxItems or when more than MaxInterval has passed
// since the previous flush, whichever comes first. Both conditions are only
// checked when MaybeFlush is called: the session calls it after each Add and
// after each chunk read from the stream. There is no background timer.
package coalesce

import (
	"time"

	"github.com/yourorg/batchwatch/pkg/types"
)

const (
	DefaultMaxItems    = 10
	DefaultMaxInterval = 50 * time.Millisecond
)

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Config holds the flush thresholds. A zero MaxItems uses DefaultMaxItems;
// a negative MaxInterval disables the time trigger.
type Config struct {
	MaxItems    int
	MaxInterval time.Duration
}

// Coalescer owns the visible result sequence of one session, newest first.
// It is not safe for concurrent use.
type Coalescer struct {
	cfg       Config
	clock     Clock
	pending   []types.ResultRecord
	visible   []types.ResultRecord
	lastFlush time.Time
	flushes   int
}

// New returns a Coalescer whose visible sequence starts as prior. A nil
// clock uses wall time.
func New(cfg Config, prior []types.ResultRecord, clock Clock) *Coalescer {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = DefaultMaxItems
	}
	if cfg.MaxInterval == 0 {
		cfg.MaxInterval = DefaultMaxInterval
	}
	if clock == nil {
		clock = realClock{}
	}
	return &Coalescer{
		cfg:       cfg,
		clock:     clock,
		visible:   append([]types.ResultRecord(nil), prior...),
		lastFlush: clock.Now(),
	}
}

// Add appends rec to the pending buffer. It is not visible until flushed.
func (c *Coalescer) Add(rec types.ResultRecord) {
	c.pending = append(c.pending, rec)
}

// MaybeFlush flushes if either threshold is met and returns the flushed
// records, newest first.
func (c *Coalescer) MaybeFlush() ([]types.ResultRecord, bool) {
	if len(c.pending) == 0 {
		return nil, false
	}
	if len(c.pending) >= c.cfg.MaxItems {
		return c.Flush(), true
	}
	if c.cfg.MaxInterval > 0 && c.clock.Now().Sub(c.lastFlush) > c.cfg.MaxInterval {
		return c.Flush(), true
	}
	return nil, false
}

// Flush unconditionally moves pending records to the front of the visible
// sequence. It returns nil, and does not count a flush, when nothing is
// pending.
func (c *Coalescer) Flush() []types.ResultRecord {
	if len(c.pending) == 0 {
		return nil
	}
	n := len(c.pending)
	next := make([]types.ResultRecord, 0, n+len(c.visible))
	for i := n - 1; i >= 0; i-- {
		next = append(next, c.pending[i])
	}
	flushed := next[:n:n]
	next = append(next, c.visible...)

	c.visible = next
	c.pending = nil
	c.lastFlush = c.clock.Now()
	c.flushes++
	return flushed
}

// Discard drops pending records without making them visible.
func (c *Coalescer) Discard() int {
	n := len(c.pending)
	c.pending = nil
	return n
}

// Visible returns the visible sequence. Flush never mutates a slice it has
// already returned, so callers may keep it.
func (c *Coalescer) Visible() []types.ResultRecord {
	return c.visible
}

// Pending returns the number of records waiting for a flush.
func (c *Coalescer) Pending() int {
	return len(c.pending)
}

// Flushes returns how many non-empty flushes have happened.
func (c *Coalescer) Flushes() int {
	return c.flushes
}
