// Package hlc implements a hybrid logical clock: a causal timestamp
// combining wall-clock milliseconds with a logical counter, monotonic
// under both local ticks and merges with remote values.
package hlc

import (
	"regexp"
	"sync"
	"time"

	"github.com/hpungsan/keep/internal/errors"
)

// MaxSkew is the maximum accepted clock skew between replicas.
// Enforced by callers comparing wall components, not by the clock.
const MaxSkew = 300 * time.Second

const counterMask = 0xFFFF

// formatRegex is the exact grammar Parse accepts.
var formatRegex = regexp.MustCompile(`^0x[0-9A-F]{16}$`)

// HLC is a packed 64-bit hybrid timestamp: wall-time milliseconds in
// the high 48 bits, a logical counter in the low 16.
type HLC uint64

// New packs a wall time (ms) and counter into an HLC value.
func New(wallMs uint64, counter uint16) HLC {
	return HLC(wallMs<<16 | uint64(counter))
}

// WallMs returns the wall-time millisecond component.
func (h HLC) WallMs() uint64 { return uint64(h) >> 16 }

// Counter returns the logical counter component.
func (h HLC) Counter() uint16 { return uint16(uint64(h) & counterMask) }

// Time returns the wall component as a time.Time.
func (h HLC) Time() time.Time {
	return time.UnixMilli(int64(h.WallMs())).UTC()
}

// String formats the value as "0x" + 16 uppercase hex digits.
func (h HLC) String() string {
	const digits = "0123456789ABCDEF"
	buf := [18]byte{0: '0', 1: 'x'}
	v := uint64(h)
	for i := 17; i >= 2; i-- {
		buf[i] = digits[v&0xF]
		v >>= 4
	}
	return string(buf[:])
}

// Parse decodes an HLC string. Any shape other than "0x" followed by
// exactly 16 uppercase hex digits is rejected.
func Parse(s string) (HLC, error) {
	if !formatRegex.MatchString(s) {
		return 0, errors.NewValidation("hlc", "must be 0x followed by 16 uppercase hex digits")
	}
	var v uint64
	for i := 2; i < len(s); i++ {
		c := s[i]
		var d uint64
		switch {
		case c >= '0' && c <= '9':
			d = uint64(c - '0')
		default:
			d = uint64(c-'A') + 10
		}
		v = v<<4 | d
	}
	return HLC(v), nil
}

// Clock generates monotonically increasing HLC values for one node.
// Safe for concurrent use.
type Clock struct {
	mu   sync.Mutex
	last HLC
	now  func() time.Time
}

// NewClock creates a clock backed by the system wall clock.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// NewClockAt creates a clock with an injected time source.
func NewClockAt(now func() time.Time) *Clock {
	return &Clock{now: now}
}

// Tick advances the clock for a local event. If the wall clock moved
// past the stored value the counter resets; otherwise it increments.
func (c *Clock) Tick() HLC {
	c.mu.Lock()
	defer c.mu.Unlock()

	nowMs := uint64(c.now().UnixMilli())
	if nowMs > c.last.WallMs() {
		c.last = New(nowMs, 0)
	} else {
		c.last = c.bump(c.last.WallMs(), c.last.Counter())
	}
	return c.last
}

// Update merges a remote HLC into the local clock, guaranteeing the
// result exceeds both the previous local value and the remote value.
func (c *Clock) Update(remote HLC) HLC {
	c.mu.Lock()
	defer c.mu.Unlock()

	nowMs := uint64(c.now().UnixMilli())
	localWall, localCtr := c.last.WallMs(), c.last.Counter()
	remoteWall, remoteCtr := remote.WallMs(), remote.Counter()

	switch {
	case nowMs > localWall && nowMs > remoteWall:
		c.last = New(nowMs, 0)
	case localWall == remoteWall:
		ctr := localCtr
		if remoteCtr > ctr {
			ctr = remoteCtr
		}
		c.last = c.bump(localWall, ctr)
	case localWall > remoteWall:
		c.last = c.bump(localWall, localCtr)
	default:
		c.last = c.bump(remoteWall, remoteCtr)
	}
	return c.last
}

// Last returns the most recent value without advancing the clock.
func (c *Clock) Last() HLC {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// bump increments the counter, carrying into the wall component on
// overflow so values stay strictly increasing.
func (c *Clock) bump(wallMs uint64, counter uint16) HLC {
	if counter == counterMask {
		return New(wallMs+1, 0)
	}
	return New(wallMs, counter+1)
}
