// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build !race

// Examples hand payloads between goroutines through the ring cursors,
// which the race detector cannot observe. They are excluded from race
// testing.

package stageq_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"code.hybscloud.com/stageq"
)

// ExampleNewQueue shows a single-consumer queue. Shutdown returns once the
// consumer has processed everything offered before it.
func ExampleNewQueue() {
	var mu sync.Mutex
	var got []string
	q := stageq.NewQueue(8, func(s *string) error {
		mu.Lock()
		got = append(got, strings.ToUpper(*s))
		mu.Unlock()
		return nil
	})

	for _, s := range []string{"alpha", "beta", "gamma"} {
		q.Offer(s)
	}
	q.Shutdown(context.Background())

	mu.Lock()
	fmt.Println(strings.Join(got, " "))
	mu.Unlock()

	// Output:
	// ALPHA BETA GAMMA
}

// ExampleNewChain runs two stages over one ring: the first doubles every
// item in place and the second sums what it sees.
func ExampleNewChain() {
	var mu sync.Mutex
	var sum int
	c := stageq.NewChain[int](16,
		stageq.ProcessorFunc[int](func(v *int) error {
			*v *= 2
			return nil
		}),
		stageq.ProcessorFunc[int](func(v *int) error {
			mu.Lock()
			sum += *v
			mu.Unlock()
			return nil
		}),
	)

	for i := 1; i <= 20; i++ {
		c.Offer(i)
	}
	c.Shutdown(context.Background())

	mu.Lock()
	fmt.Println(sum)
	mu.Unlock()

	// Output:
	// 420
}

// ExampleQueue_TryOffer shows the non-blocking reject on a full ring. The
// consumer is held on the first item so nothing frees up.
func ExampleQueue_TryOffer() {
	hold := make(chan struct{})
	q := stageq.NewQueue(8, func(*int) error {
		<-hold
		return nil
	})

	var accepted int
	for i := range 10 {
		if err := q.TryOffer(i); err == nil {
			accepted++
		} else if stageq.IsWouldBlock(err) {
			fmt.Println("full after", accepted)
			break
		}
	}
	close(hold)
	q.Shutdown(context.Background())

	// Output:
	// full after 7
}

// journal batches writes and flushes once per drain.
type journal struct {
	mu      sync.Mutex
	pending []string
	flushed []string
}

func (j *journal) Process(rec *string) error {
	j.mu.Lock()
	j.pending = append(j.pending, *rec)
	j.mu.Unlock()
	return nil
}

func (j *journal) OnDrainComplete() {
	j.mu.Lock()
	j.flushed = append(j.flushed, j.pending...)
	j.pending = j.pending[:0]
	j.mu.Unlock()
}

// ExampleProcessor shows a stage that uses OnDrainComplete to flush the
// records it buffered during a drain.
func ExampleProcessor() {
	j := &journal{}
	c := stageq.BuildChain[string](stageq.New(64).Name("journal"), nil, j)

	for _, r := range []string{"open", "write", "close"} {
		c.Offer(r)
	}
	c.Shutdown(context.Background())

	j.mu.Lock()
	fmt.Println(len(j.pending), strings.Join(j.flushed, ","))
	j.mu.Unlock()

	// Output:
	// 0 open,write,close
}

// ExampleNewValues shows the value-typed wrapper.
func ExampleNewValues() {
	var mu sync.Mutex
	var total time.Duration
	v := stageq.NewValues[time.Duration](8, func(d time.Duration) error {
		mu.Lock()
		total += d
		mu.Unlock()
		return nil
	})

	for i := 1; i <= 10; i++ {
		v.Offer(time.Duration(i) * time.Millisecond)
	}
	v.Shutdown(context.Background())

	mu.Lock()
	fmt.Println(total)
	mu.Unlock()

	// Output:
	// 55ms
}

// ExampleDispatcher runs tasks on reusable dispatch goroutines.
func ExampleDispatcher() {
	d := stageq.NewDispatcher(64, nil)
	defer d.Close()

	var wg sync.WaitGroup
	results := make([]int, 5)
	for i := range results {
		wg.Add(1)
		d.Schedule(context.Background(), "square", func(context.Context) {
			defer wg.Done()
			results[i] = i * i
		})
	}
	wg.Wait()
	fmt.Println(results)

	// Output:
	// [0 1 4 9 16]
}
