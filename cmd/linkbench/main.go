package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/malbeclabs/linkbench/internal/aggregate"
	"github.com/malbeclabs/linkbench/internal/baseline"
	"github.com/malbeclabs/linkbench/internal/capture"
	"github.com/malbeclabs/linkbench/internal/clock"
	"github.com/malbeclabs/linkbench/internal/config"
	"github.com/malbeclabs/linkbench/internal/controller"
	"github.com/malbeclabs/linkbench/internal/judge"
	"github.com/malbeclabs/linkbench/internal/metrics"
	"github.com/malbeclabs/linkbench/internal/metricsexport"

	_ "net/http/pprof"
)

var (
	iface         = flag.String("interface", "", "Interface to capture from (required).")
	icmpFilter    = flag.Bool("icmp-filter", true, "Attach the ICMP/ICMPv6 classifier filter.")
	promisc       = flag.Bool("promiscuous", false, "Enable promiscuous mode.")
	bpfBufferSize = flag.Int("bpf-buffer-size", config.DefaultBPFBufferSize, "BSD/macOS BPF device read buffer size, bytes.")

	runs        = flag.Int("runs", config.DefaultRuns, "Number of independent measurement runs.")
	warmupSec   = flag.Int("warmup-sec", config.DefaultWarmupSec, "Warmup window duration, seconds.")
	durationSec = flag.Int("duration-sec", config.DefaultDurationSec, "Measurement window duration, seconds (0 = unlimited).")
	workers     = flag.Int("workers", config.DefaultWorkers, "Worker pool size.")
	queueDepth  = flag.Int("queue-depth", config.DefaultQueueCapacity, "Bounded queue capacity.")

	trafficCommand = flag.String("traffic-command", "", "External traffic-generator command (optional).")
	trafficArgs    = flag.String("traffic-args", "", "Space-separated arguments for traffic-command.")
	trafficMode    = flag.String("traffic-mode", "", "Traffic generator mode label, recorded in metadata.")
	trafficTarget  = flag.String("traffic-target", "", "Traffic generator target, recorded in metadata.")
	trafficRate    = flag.Int("traffic-rate", 0, "Traffic generator rate, recorded in metadata.")

	minPackets = flag.Uint64("min-packets", config.DefaultMinPackets, "Minimum total processed packets for a sufficient sample.")
	threshold  = flag.Float64("threshold", config.DefaultThreshold, "Regression threshold θ.")

	baselinePath = flag.String("baseline", "", "Path to the baseline JSON file.")
	regression   = flag.Bool("regression", false, "Compare against --baseline and exit non-zero on regression.")
	writeReport  = flag.String("write-report", "", "Path to always write the run's JSON report (optional).")

	metricsAddr = flag.String("metrics-addr", "", "Address to serve Prometheus /metrics on (optional).")
	verbose     = flag.Bool("verbose", false, "Enable debug logging.")
	gitSHA      = flag.String("git-sha", "", "Git SHA recorded in baseline metadata (warn-only on mismatch).")
)

func main() {
	flag.Parse()

	log := newLogger(*verbose)

	cfg, err := buildConfig()
	if err != nil {
		log.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	code := run(log, cfg)
	os.Exit(code)
}

func buildConfig() (*config.Config, error) {
	cfg := &config.Config{
		Interface:        *iface,
		AttachICMPFilter: *icmpFilter,
		Promiscuous:      *promisc,
		BPFBufferSize:    *bpfBufferSize,
		Runs:             *runs,
		WarmupSec:        *warmupSec,
		DurationSec:      *durationSec,
		Workers:          *workers,
		QueueDepth:       *queueDepth,
		TrafficCommand:   *trafficCommand,
		TrafficMode:      *trafficMode,
		TrafficTarget:    *trafficTarget,
		TrafficRate:      *trafficRate,
		MinPackets:       *minPackets,
		Threshold:        *threshold,
		BaselinePath:     *baselinePath,
		Regression:       *regression,
		WriteReport:      *writeReport,
		MetricsAddr:      *metricsAddr,
	}
	if *trafficArgs != "" {
		cfg.TrafficArgs = strings.Fields(*trafficArgs)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Exit codes (§6): 0 success/no regression, 1 other error, 2 persistent
// regression, 3 insufficient sample, 4 baseline metadata mismatch.
const (
	exitOK                 = 0
	exitError              = 1
	exitRegression         = 2
	exitInsufficientSample = 3
	exitMetadataMismatch   = 4
)

func run(log *slog.Logger, cfg *config.Config) int {
	ctx, stopNotify := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopNotify()

	clk := clock.New()
	m := metrics.New()

	var collector *metricsexport.Collector
	if cfg.MetricsAddr != "" {
		collector = metricsexport.New(prometheus.NewRegistry())
		serveMetrics(log, cfg.MetricsAddr, collector)
	}

	engine, err := capture.New(capture.Config{
		Logger:           log,
		Clock:            clk,
		Interface:        cfg.Interface,
		Promiscuous:      cfg.Promiscuous,
		BufferSize:       cfg.BPFBufferSize,
		AttachICMPFilter: cfg.AttachICMPFilter,
	})
	if err != nil {
		log.Error("failed to start capture engine", "err", err)
		return exitError
	}
	defer engine.Close()

	ctrl := controller.New(controller.Config{
		Logger:         log,
		Clock:          clk,
		Engine:         engine,
		Metrics:        m,
		Runs:           cfg.Runs,
		WarmupSec:      cfg.WarmupSec,
		DurationSec:    cfg.DurationSec,
		Workers:        cfg.Workers,
		QueueDepth:     cfg.QueueDepth,
		TrafficCommand: cfg.TrafficCommand,
		TrafficArgs:    cfg.TrafficArgs,
		OnRunComplete: func(runIdx int, snap metrics.Snapshot) {
			log.Info("run complete",
				"run", runIdx,
				"pps", float64(snap.PktsProcessed)/maxFloat(snap.CaptureElapsedSec, 1e-9),
				"mbps", float64(snap.BytesProcessed)*8/1e6/maxFloat(snap.CaptureElapsedSec, 1e-9),
				"p95_ns", snap.LatencyP95NS,
				"queue_drops", snap.QueueDrops,
				"capture_drops", snap.CaptureDrops,
			)
			if collector != nil {
				collector.Update(snap)
			}
		},
	})

	go func() {
		<-ctx.Done()
		ctrl.Stop()
	}()

	results, err := ctrl.Run(ctx)
	if err != nil {
		log.Error("measurement run failed", "err", err)
		return exitError
	}

	agg := aggregate.Compute(results, cfg.MinPackets)

	md := currentMetadata(cfg)
	finalSnap := m.Snapshot(clk.NowNS())
	report := baseline.FromSnapshot(finalSnap, md)
	if collector != nil {
		collector.Update(finalSnap)
	}

	if cfg.WriteReport != "" {
		if err := baseline.Save(cfg.WriteReport, report); err != nil {
			log.Error("failed to write report", "err", err)
		}
	}

	if agg.Insufficient {
		log.Error("insufficient sample", "total_processed", agg.TotalProcessed, "min_packets", cfg.MinPackets)
		return exitInsufficientSample
	}

	if !cfg.Regression {
		log.Info("measurement complete", "pps", agg.PPS, "mbps", agg.Mbps, "p95_ns", agg.P95NS)
		return exitOK
	}

	base, err := baseline.Load(cfg.BaselinePath)
	if err != nil {
		log.Error("failed to load baseline", "err", err)
		return exitError
	}
	if !base.Valid() {
		log.Error("baseline has no valid fields", "path", cfg.BaselinePath)
		return exitError
	}

	runMetrics := make([]judge.RunMetrics, len(results))
	for i, r := range results {
		runMetrics[i] = judge.RunMetrics{
			PPS:      r.PPS,
			Mbps:     r.Mbps,
			P95NS:    float64(r.P95NS),
			DropRate: r.DropRate(),
		}
	}

	rep := judge.Evaluate(log, base, md, runMetrics, cfg.Threshold)
	if !rep.MetadataOK {
		log.Error("baseline metadata mismatch", "fields", rep.FatalMismatches)
		return exitMetadataMismatch
	}

	log.Info("regression judgment", "outcome", rep.Outcome.String())
	if rep.Outcome == judge.Regression {
		return exitRegression
	}
	return exitOK
}

func currentMetadata(cfg *config.Config) baseline.Metadata {
	return baseline.Metadata{
		Interface:     cfg.Interface,
		Filter:        cfg.FilterName(),
		Threads:       cfg.Workers,
		BPFBufferSize: cfg.BPFBufferSize,
		DurationSec:   cfg.DurationSec,
		WarmupSec:     cfg.WarmupSec,
		TrafficMode:   cfg.TrafficMode,
		TrafficTarget: cfg.TrafficTarget,
		TrafficRate:   cfg.TrafficRate,
		OS:            runtime.GOOS,
		GitSHA:        *gitSHA,
	}
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func serveMetrics(log *slog.Logger, addr string, collector *metricsexport.Collector) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("failed to start prometheus metrics listener", "err", err)
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{}))
	go func() {
		log.Info("prometheus metrics server listening", "address", listener.Addr().String())
		if err := http.Serve(listener, mux); err != nil {
			log.Error("prometheus metrics server stopped", "err", err)
		}
	}()
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().UTC().Format(time.RFC3339))
			}
			return a
		},
	}))
}
