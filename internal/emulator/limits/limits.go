// Package limits implements the per-connection budgets shared by
// every protocol emulator: idle timeout, absolute session duration,
// byte cap, and event cap. Exceeding any of them terminates the
// connection with a recorded cause.
package limits

import (
	"io"
	"net"
	"time"

	"trapline/internal/capture"
)

// Budget holds one connection's resource limits.
type Budget struct {
	IdleTimeout time.Duration
	MaxDuration time.Duration
	MaxBytes    int64
	MaxEvents   int
}

// Default matches spec's per-emulator defaults: 60s idle, 10 minute
// absolute cap, 1 MiB, 1024 events.
func Default() Budget {
	return Budget{
		IdleTimeout: 60 * time.Second,
		MaxDuration: 10 * time.Minute,
		MaxBytes:    1 << 20,
		MaxEvents:   1024,
	}
}

// Tracker enforces a Budget against a live connection: every read
// deadline is set to IdleTimeout, every byte transferred is counted
// against MaxBytes, and Exceeded reports whether MaxDuration or
// MaxEvents has been hit.
type Tracker struct {
	budget    Budget
	start     time.Time
	bytesUsed int64
	events    int
}

// NewTracker starts a Tracker against the connection's creation time.
func NewTracker(budget Budget) *Tracker {
	return &Tracker{budget: budget, start: time.Now()}
}

// ArmDeadline sets conn's read and write deadline to the idle timeout.
func (t *Tracker) ArmDeadline(conn net.Conn) error {
	if t.budget.IdleTimeout <= 0 {
		return nil
	}
	return conn.SetDeadline(time.Now().Add(t.budget.IdleTimeout))
}

// AddBytes records n bytes transferred and reports the cause if
// MaxBytes has now been exceeded.
func (t *Tracker) AddBytes(n int) (capture.TerminationCause, bool) {
	t.bytesUsed += int64(n)
	if t.budget.MaxBytes > 0 && t.bytesUsed > t.budget.MaxBytes {
		return capture.CauseMaxBytes, true
	}
	return "", false
}

// AddEvent records one emitted capture and reports the cause if
// MaxEvents has now been exceeded.
func (t *Tracker) AddEvent() (capture.TerminationCause, bool) {
	t.events++
	if t.budget.MaxEvents > 0 && t.events > t.budget.MaxEvents {
		return capture.CauseMaxEvents, true
	}
	return "", false
}

// CheckDuration reports the cause if MaxDuration has now been
// exceeded.
func (t *Tracker) CheckDuration() (capture.TerminationCause, bool) {
	if t.budget.MaxDuration > 0 && time.Since(t.start) > t.budget.MaxDuration {
		return capture.CauseMaxDuration, true
	}
	return "", false
}

// CountingReader wraps an io.Reader, feeding every read into the
// Tracker's byte budget. The first read that trips the budget returns
// io.ErrUnexpectedEOF-free: the caller inspects Exceeded to learn the
// cause rather than relying on a sentinel error, since attacker
// framing makes conflating a budget exceedance with a short read
// unsafe.
type CountingReader struct {
	r       io.Reader
	tracker *Tracker
}

// NewCountingReader wraps r so every Read counts against tracker's
// byte budget.
func NewCountingReader(r io.Reader, tracker *Tracker) *CountingReader {
	return &CountingReader{r: r, tracker: tracker}
}

func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.tracker.AddBytes(n)
	}
	return n, err
}

// Exceeded reports the first budget violation observed so far, if
// any.
func (t *Tracker) Exceeded() (capture.TerminationCause, bool) {
	if cause, over := t.CheckDuration(); over {
		return cause, true
	}
	if t.budget.MaxBytes > 0 && t.bytesUsed > t.budget.MaxBytes {
		return capture.CauseMaxBytes, true
	}
	if t.budget.MaxEvents > 0 && t.events > t.budget.MaxEvents {
		return capture.CauseMaxEvents, true
	}
	return "", false
}
