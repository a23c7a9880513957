// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"code.hybscloud.com/atomix"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"code.hybscloud.com/stageq"
	"code.hybscloud.com/stageq/config"
	"code.hybscloud.com/stageq/pool"
	"code.hybscloud.com/stageq/promstage"
)

type item struct {
	producer int
	seq      int
	hops     int
}

type pipeline interface {
	OfferContext(ctx context.Context, v item) error
	Shutdown(ctx context.Context) error
	Stats() stageq.Stats
}

type report struct {
	RunID       string                `json:"run_id"`
	Mode        string                `json:"mode"`
	Stages      int                   `json:"stages"`
	Producers   int                   `json:"producers"`
	Items       int                   `json:"items"`
	Delivered   uint64                `json:"delivered"`
	Violations  uint64                `json:"violations"`
	Failed      uint64                `json:"failed"`
	ElapsedMs   float64               `json:"elapsed_ms"`
	ItemsPerSec float64               `json:"items_per_sec"`
	OK          bool                  `json:"ok"`
	Pipeline    *stageq.Stats         `json:"pipeline,omitempty"`
	Dispatch    *stageq.DispatchStats `json:"dispatch,omitempty"`
}

type bench struct {
	cfg       config.Config
	runID     string
	mode      string
	stages    int
	producers int
	items     int
	logger    *zap.Logger
	registry  *prometheus.Registry
	pool      *pool.Bounded
}

// verifier runs as the last stage. It sees items in publish order, so the
// sequence numbers of each producer must arrive strictly increasing.
type verifier struct {
	last       []int
	hops       int
	delivered  atomix.Uint64
	violations atomix.Uint64
}

func newVerifier(producers, hops int) *verifier {
	v := &verifier{last: make([]int, producers), hops: hops}
	for i := range v.last {
		v.last[i] = -1
	}
	return v
}

func (v *verifier) check(it item, hops int) {
	if it.seq <= v.last[it.producer] || hops != v.hops {
		v.violations.AddAcqRel(1)
	}
	v.last[it.producer] = it.seq
	v.delivered.AddAcqRel(1)
}

func (v *verifier) Process(it *item) error {
	v.check(*it, it.hops)
	return nil
}

func (v *verifier) OnDrainComplete() {}

func (b *bench) builder() *stageq.Builder {
	sb := b.cfg.Builder().Name(b.mode).Logger(b.logger)
	if b.pool != nil {
		sb.Executor(b.pool)
	}
	return sb
}

func (b *bench) run(ctx context.Context) (*report, error) {
	rep := &report{
		RunID:     b.runID,
		Mode:      b.mode,
		Stages:    b.stages,
		Producers: b.producers,
		Items:     b.items,
	}
	if b.mode == "dispatch" {
		return rep, b.runDispatch(ctx, rep)
	}

	p, v, err := b.build()
	if err != nil {
		return rep, err
	}
	b.registry.MustRegister(promstage.NewCollector("bench", p))
	b.logger.Info("run started",
		zap.Int("capacity", b.cfg.Capacity),
		zap.Int("stages", rep.Stages),
		zap.Int("producers", b.producers),
		zap.Int("items", b.items))

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for pid := 0; pid < b.producers; pid++ {
		n := b.share(pid)
		g.Go(func() error {
			for s := 0; s < n; s++ {
				if err := p.OfferContext(gctx, item{producer: pid, seq: s}); err != nil {
					return fmt.Errorf("producer %d: %w", pid, err)
				}
			}
			return nil
		})
	}
	perr := g.Wait()
	serr := p.Shutdown(ctx)
	elapsed := time.Since(start)

	st := p.Stats()
	for _, s := range st.Stages {
		rep.Failed += s.Failed
	}
	rep.Pipeline = &st
	rep.Delivered = v.delivered.LoadAcquire()
	rep.Violations = v.violations.LoadAcquire()
	b.finish(rep, elapsed)

	if perr != nil {
		return rep, perr
	}
	return rep, serr
}

// build creates the pipeline selected by mode with a verifier as the last
// stage. Every stage before it increments the hop count.
func (b *bench) build() (pipeline, *verifier, error) {
	hop := stageq.ProcessorFunc[item](func(it *item) error {
		it.hops++
		return nil
	})
	chain := func(v *verifier) []stageq.Processor[item] {
		procs := make([]stageq.Processor[item], 0, b.stages)
		for i := 0; i < b.stages-1; i++ {
			procs = append(procs, hop)
		}
		return append(procs, v)
	}

	switch b.mode {
	case "queue":
		b.stages = 1
		v := newVerifier(b.producers, 0)
		return stageq.BuildQueue[item](b.builder(), nil, v), v, nil
	case "chain":
		v := newVerifier(b.producers, b.stages-1)
		return stageq.BuildChain[item](b.builder(), nil, chain(v)...), v, nil
	case "batched":
		v := newVerifier(b.producers, b.stages-1)
		return stageq.BuildBatched[item](b.builder(), nil, chain(v)...), v, nil
	case "values":
		// Value handlers cannot mutate the item, so hops stay at zero.
		v := newVerifier(b.producers, 0)
		handlers := make([]func(item) error, 0, b.stages)
		for i := 0; i < b.stages-1; i++ {
			handlers = append(handlers, func(item) error { return nil })
		}
		handlers = append(handlers, func(it item) error {
			v.check(it, 0)
			return nil
		})
		return stageq.BuildValues[item](b.builder(), handlers...), v, nil
	default:
		return nil, nil, fmt.Errorf("unknown mode %q", b.mode)
	}
}

func (b *bench) runDispatch(ctx context.Context, rep *report) error {
	db := b.cfg.DispatchBuilder().Logger(b.logger)
	if b.pool != nil {
		db.Executor(b.pool)
	}
	d := stageq.BuildDispatcher(db)
	defer d.Close()
	b.registry.MustRegister(promstage.NewDispatchCollector("bench", d))
	rep.Stages = 0

	var delivered atomix.Uint64
	var wg sync.WaitGroup
	wg.Add(b.items)

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for pid := 0; pid < b.producers; pid++ {
		n := b.share(pid)
		g.Go(func() error {
			for s := 0; s < n; s++ {
				err := d.Schedule(gctx, "bench", func(context.Context) {
					delivered.AddAcqRel(1)
					wg.Done()
				})
				if err != nil {
					return fmt.Errorf("producer %d: %w", pid, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	elapsed := time.Since(start)

	st := d.Stats()
	rep.Dispatch = &st
	rep.Failed = st.Failures
	rep.Delivered = delivered.LoadAcquire()
	b.finish(rep, elapsed)
	return err
}

// share returns the number of items producer pid offers.
func (b *bench) share(pid int) int {
	n := b.items / b.producers
	if pid < b.items%b.producers {
		n++
	}
	return n
}

func (b *bench) finish(rep *report, elapsed time.Duration) {
	rep.ElapsedMs = float64(elapsed.Microseconds()) / 1000
	if elapsed > 0 {
		rep.ItemsPerSec = float64(rep.Delivered) / elapsed.Seconds()
	}
	rep.OK = rep.Violations == 0 && rep.Failed == 0 && rep.Delivered == uint64(b.items)
	b.logger.Info("run finished",
		zap.Uint64("delivered", rep.Delivered),
		zap.Uint64("violations", rep.Violations),
		zap.Duration("elapsed", elapsed),
		zap.Float64("items_per_sec", rep.ItemsPerSec),
		zap.Bool("ok", rep.OK))
}
