// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package stageq_test

import (
	"context"
	"errors"
	"runtime/pprof"
	"sync"
	"testing"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/stageq"
)

// =============================================================================
// Dispatcher
// =============================================================================

func TestDispatcherRunsAll(t *testing.T) {
	skipRace(t)

	const n = 2000
	var ran atomix.Int64
	d := stageq.BuildDispatcher(stageq.New(64).Name("all").MaxThreads(4))
	defer d.Close()

	for i := range n {
		if err := d.Schedule(context.Background(), "task", func(context.Context) {
			ran.Add(1)
		}); err != nil {
			t.Fatalf("Schedule(%d): %v", i, err)
		}
	}
	waitForCount(t, 5*time.Second, &ran, n, "tasks ran")
	waitFor(t, 5*time.Second, func() bool { return d.Stats().Completed == n }, "completed")

	st := d.Stats()
	if st.Scheduled != n {
		t.Fatalf("Scheduled: got %d, want %d", st.Scheduled, n)
	}
	if st.Launched == 0 {
		t.Fatal("no dispatch goroutine launched")
	}
	if st.Capacity != 64 {
		t.Fatalf("Capacity: got %d, want 64", st.Capacity)
	}
}

// TestDispatcherQueuedNonNegative schedules from several goroutines while
// dispatch goroutines drain, and samples the queued count throughout.
func TestDispatcherQueuedNonNegative(t *testing.T) {
	skipRace(t)

	const producers, perProd = 4, 2000
	var ran atomix.Int64
	d := stageq.BuildDispatcher(stageq.New(256).Name("queued").MaxThreads(4))
	defer d.Close()

	stop := make(chan struct{})
	sampled := make(chan int64, 1)
	go func() {
		low := int64(0)
		for {
			select {
			case <-stop:
				sampled <- low
				return
			default:
			}
			if q := d.Stats().Queued; q < low {
				low = q
			}
		}
	}()

	var wg sync.WaitGroup
	for range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perProd {
				_ = d.Schedule(context.Background(), "task", func(context.Context) { ran.Add(1) })
			}
		}()
	}
	wg.Wait()
	waitForCount(t, 5*time.Second, &ran, producers*perProd, "tasks ran")
	close(stop)

	if low := <-sampled; low < 0 {
		t.Fatalf("Queued went negative: %d", low)
	}
	waitFor(t, 5*time.Second, func() bool { return d.Stats().Queued == 0 }, "queue empty")
}

// TestDispatcherThreadCap checks that tasks taken from the ring never run on
// more than MaxThreads goroutines at once.
func TestDispatcherThreadCap(t *testing.T) {
	skipRace(t)

	const maxThreads = 3
	var live, peak, ran atomix.Int64
	d := stageq.BuildDispatcher(stageq.New(4096).Name("capped").MaxThreads(maxThreads))
	defer d.Close()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				_ = d.Schedule(context.Background(), "task", func(context.Context) {
					n := live.Add(1)
					for {
						p := peak.Load()
						if n <= p || peak.CompareAndSwapAcqRel(p, n) {
							break
						}
					}
					time.Sleep(10 * time.Microsecond)
					live.Add(-1)
					ran.Add(1)
				})
			}
		}()
	}
	wg.Wait()
	waitForCount(t, 10*time.Second, &ran, 1600, "tasks ran")

	st := d.Stats()
	if st.Overflow != 0 {
		t.Fatalf("Overflow: got %d, want 0", st.Overflow)
	}
	if peak.Load() > maxThreads {
		t.Fatalf("peak concurrent tasks: got %d, want <= %d", peak.Load(), maxThreads)
	}
}

// TestDispatcherOverflow saturates the only dispatch goroutine and the
// pending ring, so the next task must bypass the ring.
func TestDispatcherOverflow(t *testing.T) {
	skipRace(t)

	d := stageq.BuildDispatcher(stageq.New(8).Name("ovf").MaxThreads(1))
	defer d.Close()

	started := make(chan struct{})
	block := make(chan struct{})
	if err := d.Schedule(context.Background(), "blocker", func(context.Context) {
		close(started)
		<-block
	}); err != nil {
		t.Fatalf("Schedule blocker: %v", err)
	}
	<-started

	var queued atomix.Int64
	for i := range 8 {
		if err := d.Schedule(context.Background(), "queued", func(context.Context) {
			queued.Add(1)
		}); err != nil {
			t.Fatalf("Schedule(%d): %v", i, err)
		}
	}
	if st := d.Stats(); st.Overflow != 0 || st.Queued != 8 {
		t.Fatalf("before overflow: overflow %d queued %d, want 0/8", st.Overflow, st.Queued)
	}

	overflowed := make(chan struct{})
	if err := d.Schedule(context.Background(), "overflow", func(context.Context) {
		close(overflowed)
	}); err != nil {
		t.Fatalf("Schedule overflow: %v", err)
	}
	select {
	case <-overflowed:
	case <-time.After(5 * time.Second):
		t.Fatal("overflow task did not run while the dispatch goroutine was busy")
	}
	if queued.Load() != 0 {
		t.Fatalf("queued tasks ran early: %d", queued.Load())
	}
	if st := d.Stats(); st.Overflow != 1 {
		t.Fatalf("Overflow: got %d, want 1", st.Overflow)
	}

	close(block)
	waitForCount(t, 5*time.Second, &queued, 8, "queued tasks")
}

func TestDispatcherPanicReported(t *testing.T) {
	skipRace(t)

	reports := make(chan error, 1)
	d := stageq.BuildDispatcher(stageq.New(16).Diagnostics(stageq.DiagnosticsFunc(func(source string, err error) {
		if source == "boom" {
			reports <- err
		}
	})))
	defer d.Close()

	if err := d.Schedule(context.Background(), "boom", func(context.Context) {
		panic(errors.New("task failed"))
	}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	select {
	case err := <-reports:
		var pe *stageq.PanicError
		if !errors.As(err, &pe) {
			t.Fatalf("report: got %T, want *PanicError", err)
		}
		if err.Error() != "stageq: panic: task failed" {
			t.Fatalf("report: got %q", err.Error())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("panic not reported")
	}

	var after atomix.Int64
	if err := d.Schedule(context.Background(), "after", func(context.Context) { after.Add(1) }); err != nil {
		t.Fatalf("Schedule after panic: %v", err)
	}
	waitForCount(t, 5*time.Second, &after, 1, "task after panic")
	waitFor(t, 5*time.Second, func() bool { return d.Stats().Failures == 1 }, "failure counted")
}

// TestDispatcherContext checks the task sees the submission context and the
// task label for exactly its own duration.
func TestDispatcherContext(t *testing.T) {
	skipRace(t)

	type key struct{}
	d := stageq.NewDispatcher(16, nil)
	defer d.Close()

	type result struct {
		value any
		label string
	}
	results := make(chan result, 2)
	ctx := context.WithValue(context.Background(), key{}, "ambient")
	task := func(ctx context.Context) {
		label, _ := pprof.Label(ctx, "stageq.task")
		results <- result{value: ctx.Value(key{}), label: label}
	}
	if err := d.Schedule(ctx, "first", task); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := d.Schedule(context.Background(), "second", task); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	got := map[string]any{}
	for range 2 {
		select {
		case r := <-results:
			got[r.label] = r.value
		case <-time.After(5 * time.Second):
			t.Fatal("task did not run")
		}
	}
	if got["first"] != "ambient" {
		t.Fatalf("first task context value: got %v, want ambient", got["first"])
	}
	if v, ok := got["second"]; !ok || v != nil {
		t.Fatalf("second task context value: got %v (present %v), want nil", v, ok)
	}
}

func TestDispatcherIdleOut(t *testing.T) {
	skipRace(t)

	d := stageq.BuildDispatcher(stageq.New(16).IdleTimeout(5 * time.Millisecond))
	defer d.Close()

	var ran atomix.Int64
	for range 10 {
		_ = d.Schedule(context.Background(), "t", func(context.Context) { ran.Add(1) })
	}
	waitForCount(t, 5*time.Second, &ran, 10, "tasks ran")
	waitFor(t, 5*time.Second, func() bool { return d.Stats().Threads == 0 }, "dispatch goroutines idle out")

	_ = d.Schedule(context.Background(), "t", func(context.Context) { ran.Add(1) })
	waitForCount(t, 5*time.Second, &ran, 11, "task after idle out")
}

func TestDispatcherClosed(t *testing.T) {
	d := stageq.NewDispatcher(8, nil)
	d.Close()
	d.Close()
	err := d.Schedule(context.Background(), "late", func(context.Context) {})
	if !errors.Is(err, stageq.ErrClosed) {
		t.Fatalf("Schedule after Close: got %v, want ErrClosed", err)
	}
}
