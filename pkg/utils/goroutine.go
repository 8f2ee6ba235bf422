// Package utils holds test support shared by the dispatcher and transport
// packages.
package utils

import (
	"bytes"
	"runtime"
	"strings"
	"time"
)

// Reporter is the part of testing.TB the leak detector reports through
type Reporter interface {
	Helper()
	Logf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// DefaultIgnoredFrames are goroutines that outlive a test without being
// leaks: idle keep-alive connections of the shared HTTP transports and
// httptest servers that close after the test body.
var DefaultIgnoredFrames = []string{
	"net/http.(*persistConn).readLoop",
	"net/http.(*persistConn).writeLoop",
	"net/http/httptest.(*Server).Start",
	"net/http.(*Server).Serve",
	"testing.(*T).Run",
	"testing.tRunner",
}

// GoroutineLeakDetector compares the goroutine count at the end of a test
// with the count at its start. Goroutines whose stack contains an ignored
// frame are not counted.
type GoroutineLeakDetector struct {
	t              Reporter
	initialCount   int
	allowedGrowth  int
	checkInterval  time.Duration
	stabilizeDelay time.Duration
	deadline       time.Duration
	ignored        []string
}

// NewGoroutineLeakDetector creates a detector reporting to t
func NewGoroutineLeakDetector(t Reporter) *GoroutineLeakDetector {
	return &GoroutineLeakDetector{
		t:              t,
		checkInterval:  50 * time.Millisecond,
		stabilizeDelay: 100 * time.Millisecond,
		deadline:       2 * time.Second,
		ignored:        append([]string(nil), DefaultIgnoredFrames...),
	}
}

// Start records the initial goroutine count
func (d *GoroutineLeakDetector) Start() {
	time.Sleep(d.stabilizeDelay)
	d.initialCount, _ = d.count()
	d.t.Logf("Starting goroutine count: %d", d.initialCount)
}

// Check waits up to the deadline for the goroutine count to fall back
// within the allowed growth, then reports a leak with the offending stacks.
func (d *GoroutineLeakDetector) Check() {
	d.t.Helper()

	var (
		count int
		dump  []string
	)
	stop := time.Now().Add(d.deadline)
	for {
		count, dump = d.count()
		if count-d.initialCount <= d.allowedGrowth || time.Now().After(stop) {
			break
		}
		time.Sleep(d.checkInterval)
	}

	leaked := count - d.initialCount
	if leaked > d.allowedGrowth {
		d.t.Errorf("Goroutine leak detected: started with %d, ended with %d (leaked: %d, allowed: %d)",
			d.initialCount, count, leaked, d.allowedGrowth)
		d.t.Logf("Counted goroutines:\n%s", strings.Join(dump, "\n\n"))
		return
	}
	d.t.Logf("No goroutine leak: started with %d, ended with %d", d.initialCount, count)
}

// SetAllowedGrowth sets the number of goroutines allowed to grow
func (d *GoroutineLeakDetector) SetAllowedGrowth(n int) *GoroutineLeakDetector {
	d.allowedGrowth = n
	return d
}

// SetStabilizeDelay sets the delay before the initial count is taken
func (d *GoroutineLeakDetector) SetStabilizeDelay(delay time.Duration) *GoroutineLeakDetector {
	d.stabilizeDelay = delay
	return d
}

// SetDeadline bounds how long Check waits for goroutines to exit
func (d *GoroutineLeakDetector) SetDeadline(deadline time.Duration) *GoroutineLeakDetector {
	d.deadline = deadline
	return d
}

// Ignore adds stack frames whose goroutines are not counted
func (d *GoroutineLeakDetector) Ignore(frames ...string) *GoroutineLeakDetector {
	d.ignored = append(d.ignored, frames...)
	return d
}

// count returns the number of goroutines not matching an ignored frame,
// along with their stacks
func (d *GoroutineLeakDetector) count() (int, []string) {
	buf := make([]byte, 1<<20)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			buf = buf[:n]
			break
		}
		buf = make([]byte, 2*len(buf))
	}

	var counted []string
	for _, stack := range bytes.Split(buf, []byte("\n\n")) {
		s := string(stack)
		if strings.TrimSpace(s) == "" || d.isIgnored(s) {
			continue
		}
		counted = append(counted, s)
	}
	return len(counted), counted
}

func (d *GoroutineLeakDetector) isIgnored(stack string) bool {
	for _, frame := range d.ignored {
		if strings.Contains(stack, frame) {
			return true
		}
	}
	return false
}
