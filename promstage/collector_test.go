// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package promstage

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"code.hybscloud.com/stageq"
)

type fixedStats stageq.Stats

func (f fixedStats) Stats() stageq.Stats { return stageq.Stats(f) }

type fixedDispatch stageq.DispatchStats

func (f fixedDispatch) Stats() stageq.DispatchStats { return stageq.DispatchStats(f) }

func TestCollector(t *testing.T) {
	src := fixedStats{
		Name:      "journal",
		Capacity:  1023,
		Allocated: 10,
		Published: 9,
		Live:      4,
		Stages: []stageq.StageStats{
			{Name: "journal/0", Tail: 8, Processed: 8, Drains: 2,
				Worker: stageq.WorkerStats{State: stageq.WorkerParked, Spawns: 1, Parks: 2}},
			{Name: "journal/1", Tail: 6, Processed: 6, Failed: 1, Drains: 3,
				Worker: stageq.WorkerStats{State: stageq.WorkerActive, Spawns: 2, Failures: 1}},
		},
	}
	c := NewCollector("test", src)

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))

	// 4 pipeline metrics + 10 per stage
	assert.Equal(t, 4+2*10, testutil.CollectAndCount(c))

	expected := `
# HELP test_stageq_published_total Slots made visible to the first stage.
# TYPE test_stageq_published_total counter
test_stageq_published_total{pipeline="journal"} 9
# HELP test_stageq_stage_failed_total Items whose processor returned an error or panicked.
# TYPE test_stageq_stage_failed_total counter
test_stageq_stage_failed_total{pipeline="journal",stage="journal/0"} 0
test_stageq_stage_failed_total{pipeline="journal",stage="journal/1"} 1
# HELP test_stageq_worker_state Worker state: 0 idle, 1 active, 2 parked, 3 closed.
# TYPE test_stageq_worker_state gauge
test_stageq_worker_state{pipeline="journal",stage="journal/0"} 2
test_stageq_worker_state{pipeline="journal",stage="journal/1"} 1
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"test_stageq_published_total", "test_stageq_stage_failed_total", "test_stageq_worker_state")
	assert.NoError(t, err)
}

func TestCollectorLivePipeline(t *testing.T) {
	if stageq.RaceEnabled {
		t.Skip("skip: payload handoff is ordered by ring cursors")
	}
	q := stageq.BuildQueue[int](stageq.New(16).Name("live"), nil,
		stageq.ProcessorFunc[int](func(*int) error { return nil }))
	defer q.Close()
	require.NoError(t, q.Offer(1))

	c := NewCollector("", q)
	assert.Equal(t, 4+10, testutil.CollectAndCount(c))
	assert.Equal(t, 1, testutil.CollectAndCount(c, "stageq_published_total"))
}

func TestDispatchCollector(t *testing.T) {
	c := NewDispatchCollector("test", fixedDispatch{
		Name:      "io",
		Scheduled: 12,
		Overflow:  3,
		Threads:   2,
	})
	assert.Equal(t, 8, testutil.CollectAndCount(c))

	expected := `
# HELP test_stageq_dispatch_overflow_total Tasks sent straight to the executor because the ring was full.
# TYPE test_stageq_dispatch_overflow_total counter
test_stageq_dispatch_overflow_total{dispatcher="io"} 3
# HELP test_stageq_dispatch_threads Live dispatch goroutines.
# TYPE test_stageq_dispatch_threads gauge
test_stageq_dispatch_threads{dispatcher="io"} 2
`
	assert.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"test_stageq_dispatch_overflow_total", "test_stageq_dispatch_threads"))
}
