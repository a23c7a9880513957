// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package stageq_test

import (
	"context"
	"testing"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/stageq"
)

// skipRace skips tests that move payloads between goroutines through the
// ring cursors, which the race detector cannot see.
func skipRace(t *testing.T) {
	t.Helper()
	if stageq.RaceEnabled {
		t.Skip("skip: payload handoff is ordered by ring cursors")
	}
}

// waitFor polls f until it returns true or timeout expires.
func waitFor(t *testing.T, timeout time.Duration, f func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	backoff := iox.Backoff{}
	for !f() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout after %v: %s", timeout, msg)
		}
		backoff.Wait()
	}
}

// waitForCount waits until counter reaches target or timeout expires.
func waitForCount(t *testing.T, timeout time.Duration, counter *atomix.Int64, target int64, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	backoff := iox.Backoff{}
	for counter.Load() < target {
		if time.Now().After(deadline) {
			t.Fatalf("timeout after %v: %s (got %d, want %d)", timeout, msg, counter.Load(), target)
		}
		backoff.Wait()
	}
}

// shutdown drains p within a few seconds.
func shutdown(t *testing.T, p interface{ Shutdown(context.Context) error }) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

// gate is a processor that blocks every item until opened.
type gate struct {
	open      chan struct{}
	processed atomix.Int64
	sum       atomix.Int64
}

func newGate() *gate {
	return &gate{open: make(chan struct{})}
}

func (g *gate) Process(v *int) error {
	<-g.open
	g.processed.Add(1)
	g.sum.Add(int64(*v))
	return nil
}

func (g *gate) OnDrainComplete() {}

func (g *gate) release() { close(g.open) }
