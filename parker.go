// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package stageq

import "time"

// Parker is a single-permit park primitive.
//
// Unpark deposits the permit; Park consumes it, blocking until it is
// available or the timeout elapses. A permit deposited before Park is never
// lost, and at most one permit is held, so repeated Unpark calls collapse.
//
// Park is meant to be called by one goroutine at a time (the parker's owner).
// Unpark may be called from any goroutine.
type Parker struct {
	permit chan struct{}
}

// NewParker returns a parker with no permit.
func NewParker() *Parker {
	return &Parker{permit: make(chan struct{}, 1)}
}

// Unpark makes the permit available.
func (p *Parker) Unpark() {
	select {
	case p.permit <- struct{}{}:
	default:
	}
}

// Park blocks until the permit is available or timeout elapses.
// It reports whether the permit was consumed. A timeout <= 0 waits
// for the permit indefinitely.
func (p *Parker) Park(timeout time.Duration) bool {
	select {
	case <-p.permit:
		return true
	default:
	}
	if timeout <= 0 {
		<-p.permit
		return true
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-p.permit:
		return true
	case <-t.C:
		return false
	}
}
