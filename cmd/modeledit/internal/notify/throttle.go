// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package notify

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle limits how many errors reach the next Notifier.
//
// # Description
//
// An editor that autosaves a broken document produces one rebuild error per
// save. Throttle passes a burst through, then drops errors beyond the rate
// and reports how many were dropped with the next one that gets through.
// Status messages are never throttled.
//
// Dropped errors are only held back from next. Pair Throttle with a Log
// notifier in a Multi when every error must be recorded.
//
// When failures stop, the count still reaches next: Status emits it once the
// rate allows another error, and Flush emits it unconditionally.
type Throttle struct {
	next    Notifier
	limiter *rate.Limiter

	mu        sync.Mutex
	dropped   int
	lastTitle string
}

// NewThrottle allows burst errors at once and one more per interval.
func NewThrottle(next Notifier, interval time.Duration, burst int) *Throttle {
	return &Throttle{next: next, limiter: rate.NewLimiter(rate.Every(interval), burst)}
}

// Notify forwards err unless the rate is exceeded.
func (t *Throttle) Notify(title string, err error) {
	if err == nil {
		return
	}
	t.mu.Lock()
	t.lastTitle = title
	if !t.limiter.Allow() {
		t.dropped++
		t.mu.Unlock()
		return
	}
	dropped := t.dropped
	t.dropped = 0
	t.mu.Unlock()

	if dropped > 0 {
		err = &suppressedError{err: err, suppressed: dropped}
	}
	t.next.Notify(title, err)
}

// Status forwards msg, first reporting dropped errors if the rate has
// recovered. During a burst of failures the count waits for the next error.
func (t *Throttle) Status(msg string) {
	t.mu.Lock()
	recovered := t.limiter.Tokens() >= 1
	t.mu.Unlock()
	if recovered {
		t.Flush()
	}
	t.next.Status(msg)
}

// Flush reports the number of dropped errors, if any, and resets it.
func (t *Throttle) Flush() {
	t.mu.Lock()
	dropped, title := t.dropped, t.lastTitle
	t.dropped = 0
	t.mu.Unlock()

	if dropped > 0 {
		t.next.Notify(title, suppressedSummary(dropped))
	}
}

// Dropped returns the number of errors held back since the last one sent.
func (t *Throttle) Dropped() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

type suppressedError struct {
	err        error
	suppressed int
}

func (e *suppressedError) Error() string {
	if e.suppressed == 1 {
		return e.err.Error() + " (1 similar error suppressed)"
	}
	return fmt.Sprintf("%s (%d similar errors suppressed)", e.err, e.suppressed)
}

func (e *suppressedError) Unwrap() error { return e.err }

// suppressedSummary reports dropped errors when no new error carries the count.
type suppressedSummary int

func (n suppressedSummary) Error() string {
	if n == 1 {
		return "1 similar error suppressed"
	}
	return fmt.Sprintf("%d similar errors suppressed", int(n))
}

var _ Notifier = (*Throttle)(nil)
