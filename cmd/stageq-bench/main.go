// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command stageq-bench drives a stageq pipeline with concurrent producers,
// verifies per-producer ordering and item accounting at the last stage, and
// prints a JSON report.
//
// Settings come from STAGEQ_* environment variables, or from a YAML file
// given with -config. Explicit flags override either.
//
//	stageq-bench -mode chain -stages 3 -producers 8 -items 1000000
//	stageq-bench -mode dispatch -items 100000 -metrics :9090
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sugawarayuuta/sonnet"
	"go.uber.org/zap"

	"code.hybscloud.com/stageq/config"
	"code.hybscloud.com/stageq/pool"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "YAML configuration file")
	mode := flag.String("mode", "chain", "pipeline kind: queue, chain, batched, values or dispatch")
	capacity := flag.Int("capacity", 0, "ring capacity (overrides configuration)")
	stages := flag.Int("stages", 2, "number of stages (chain, batched, values)")
	producers := flag.Int("producers", 4, "number of producer goroutines")
	items := flag.Int("items", 100000, "total number of items")
	poolSize := flag.Int("pool", 0, "bound worker goroutines with a pool of this size (0 = unbounded)")
	metricsAddr := flag.String("metrics", "", "serve Prometheus metrics on this address")
	timeout := flag.Duration("timeout", time.Minute, "overall run timeout")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if *capacity > 0 {
		cfg.Capacity = *capacity
	}
	if *stages < 1 || *producers < 1 || *items < 1 {
		fmt.Fprintln(os.Stderr, "stages, producers and items must be >= 1")
		return 2
	}

	logger, err := cfg.Logger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	runID := uuid.New().String()
	b := &bench{
		cfg:       cfg,
		runID:     runID,
		mode:      *mode,
		stages:    *stages,
		producers: *producers,
		items:     *items,
		logger:    logger.With(zap.String("run", runID), zap.String("mode", *mode)),
		registry:  prometheus.NewRegistry(),
	}
	if *poolSize > 0 {
		// Every stage of a pipeline holds one permit while it runs.
		if *mode != "queue" && *mode != "dispatch" && *poolSize < *stages {
			fmt.Fprintf(os.Stderr, "pool size %d is smaller than %d stages\n", *poolSize, *stages)
			return 2
		}
		b.pool = pool.New(*poolSize, logger)
	}

	if *metricsAddr != "" {
		srv := &http.Server{
			Addr:              *metricsAddr,
			Handler:           promhttp.HandlerFor(b.registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				b.logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	rep, err := b.run(ctx)
	if err != nil {
		b.logger.Error("run failed", zap.Error(err))
	}
	out, merr := sonnet.Marshal(rep)
	if merr != nil {
		b.logger.Error("failed to encode report", zap.Error(merr))
		return 1
	}
	fmt.Println(string(out))
	if err != nil || !rep.OK {
		return 1
	}
	return 0
}

func loadConfig(path string) (config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load("STAGEQ")
}
