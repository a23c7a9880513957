// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package promstage exports stageq pipeline and dispatcher statistics as
// Prometheus metrics.
//
// Collectors read a fresh snapshot on every scrape; nothing is recorded on
// the pipeline hot path.
//
//	reg := prometheus.NewRegistry()
//	reg.MustRegister(promstage.NewCollector("app", chain))
//	reg.MustRegister(promstage.NewDispatchCollector("app", dispatcher))
package promstage

import (
	"github.com/prometheus/client_golang/prometheus"

	"code.hybscloud.com/stageq"
)

// StatsSource is implemented by Queue, Chain, Batched and Values.
type StatsSource interface {
	Stats() stageq.Stats
}

// DispatchStatsSource is implemented by [stageq.Dispatcher].
type DispatchStatsSource interface {
	Stats() stageq.DispatchStats
}

var (
	_ prometheus.Collector = (*Collector)(nil)
	_ prometheus.Collector = (*DispatchCollector)(nil)
)

// Collector is a [prometheus.Collector] over one pipeline.
type Collector struct {
	src StatsSource

	capacity  *prometheus.Desc
	allocated *prometheus.Desc
	published *prometheus.Desc
	live      *prometheus.Desc

	processed *prometheus.Desc
	failed    *prometheus.Desc
	drains    *prometheus.Desc
	tail      *prometheus.Desc

	state    *prometheus.Desc
	spawns   *prometheus.Desc
	rejects  *prometheus.Desc
	parks    *prometheus.Desc
	idleOuts *prometheus.Desc
	failures *prometheus.Desc
}

// NewCollector returns a collector for src. Every metric carries a
// "pipeline" label with the pipeline name; stage metrics add "stage".
func NewCollector(namespace string, src StatsSource) *Collector {
	pl := []string{"pipeline"}
	sl := []string{"pipeline", "stage"}
	desc := func(name, help string, labels []string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "stageq", name), help, labels, nil)
	}
	return &Collector{
		src: src,

		capacity:  desc("capacity", "Usable ring capacity.", pl),
		allocated: desc("allocated_total", "Slots claimed by producers.", pl),
		published: desc("published_total", "Slots made visible to the first stage.", pl),
		live:      desc("live", "Claimed slots not yet passed by the last stage.", pl),

		processed: desc("stage_processed_total", "Items processed by the stage.", sl),
		failed:    desc("stage_failed_total", "Items whose processor returned an error or panicked.", sl),
		drains:    desc("stage_drains_total", "Completed drains of the stage.", sl),
		tail:      desc("stage_tail", "Tail cursor of the stage.", sl),

		state:    desc("worker_state", "Worker state: 0 idle, 1 active, 2 parked, 3 closed.", sl),
		spawns:   desc("worker_spawns_total", "Worker goroutines started.", sl),
		rejects:  desc("worker_spawn_rejects_total", "Spawns refused by a bounded executor.", sl),
		parks:    desc("worker_parks_total", "Idle parks entered by the worker.", sl),
		idleOuts: desc("worker_idle_outs_total", "Worker goroutines that exited after an idle window.", sl),
		failures: desc("worker_failures_total", "Worker goroutines ended by an escaped error.", sl),
	}
}

// Describe implements [prometheus.Collector].
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.capacity, c.allocated, c.published, c.live,
		c.processed, c.failed, c.drains, c.tail,
		c.state, c.spawns, c.rejects, c.parks, c.idleOuts, c.failures,
	} {
		ch <- d
	}
}

// Collect implements [prometheus.Collector].
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.Stats()
	ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(st.Capacity), st.Name)
	ch <- prometheus.MustNewConstMetric(c.allocated, prometheus.CounterValue, float64(st.Allocated), st.Name)
	ch <- prometheus.MustNewConstMetric(c.published, prometheus.CounterValue, float64(st.Published), st.Name)
	ch <- prometheus.MustNewConstMetric(c.live, prometheus.GaugeValue, float64(st.Live), st.Name)

	for _, s := range st.Stages {
		counter := func(d *prometheus.Desc, v uint64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), st.Name, s.Name)
		}
		counter(c.processed, s.Processed)
		counter(c.failed, s.Failed)
		counter(c.drains, s.Drains)
		counter(c.spawns, s.Worker.Spawns)
		counter(c.rejects, s.Worker.Rejects)
		counter(c.parks, s.Worker.Parks)
		counter(c.idleOuts, s.Worker.IdleOuts)
		counter(c.failures, s.Worker.Failures)
		ch <- prometheus.MustNewConstMetric(c.tail, prometheus.GaugeValue, float64(s.Tail), st.Name, s.Name)
		ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, float64(s.Worker.State), st.Name, s.Name)
	}
}

// DispatchCollector is a [prometheus.Collector] over one dispatcher.
type DispatchCollector struct {
	src DispatchStatsSource

	scheduled *prometheus.Desc
	overflow  *prometheus.Desc
	launched  *prometheus.Desc
	completed *prometheus.Desc
	failures  *prometheus.Desc
	queued    *prometheus.Desc
	idle      *prometheus.Desc
	threads   *prometheus.Desc
}

// NewDispatchCollector returns a collector for src labelled by dispatcher
// name.
func NewDispatchCollector(namespace string, src DispatchStatsSource) *DispatchCollector {
	l := []string{"dispatcher"}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "stageq_dispatch", name), help, l, nil)
	}
	return &DispatchCollector{
		src:       src,
		scheduled: desc("scheduled_total", "Tasks accepted by Schedule."),
		overflow:  desc("overflow_total", "Tasks sent straight to the executor because the ring was full."),
		launched:  desc("launched_total", "Dispatch goroutines started."),
		completed: desc("completed_total", "Tasks that returned or panicked."),
		failures:  desc("failures_total", "Tasks that panicked."),
		queued:    desc("queued", "Tasks waiting in the ring."),
		idle:      desc("idle", "Dispatch goroutines waiting for work."),
		threads:   desc("threads", "Live dispatch goroutines."),
	}
}

// Describe implements [prometheus.Collector].
func (c *DispatchCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.scheduled
	ch <- c.overflow
	ch <- c.launched
	ch <- c.completed
	ch <- c.failures
	ch <- c.queued
	ch <- c.idle
	ch <- c.threads
}

// Collect implements [prometheus.Collector].
func (c *DispatchCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.Stats()
	ch <- prometheus.MustNewConstMetric(c.scheduled, prometheus.CounterValue, float64(st.Scheduled), st.Name)
	ch <- prometheus.MustNewConstMetric(c.overflow, prometheus.CounterValue, float64(st.Overflow), st.Name)
	ch <- prometheus.MustNewConstMetric(c.launched, prometheus.CounterValue, float64(st.Launched), st.Name)
	ch <- prometheus.MustNewConstMetric(c.completed, prometheus.CounterValue, float64(st.Completed), st.Name)
	ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(st.Failures), st.Name)
	ch <- prometheus.MustNewConstMetric(c.queued, prometheus.GaugeValue, float64(st.Queued), st.Name)
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(st.Idle), st.Name)
	ch <- prometheus.MustNewConstMetric(c.threads, prometheus.GaugeValue, float64(st.Threads), st.Name)
}
