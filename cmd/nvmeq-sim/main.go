package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strings"
	"syscall"
	"time"

	"github.com/ehrlich-b/go-nvmeq"
	"github.com/ehrlich-b/go-nvmeq/backend"
	"github.com/ehrlich-b/go-nvmeq/internal/config"
	"github.com/ehrlich-b/go-nvmeq/internal/diag"
	"github.com/ehrlich-b/go-nvmeq/internal/logging"
	"github.com/ehrlich-b/go-nvmeq/internal/trace"
)

func main() {
	var (
		envFiles = flag.String("env", "", "Comma separated .env files (default: .env if present)")
		sizeStr  = flag.String("size", "", "Namespace size (e.g., 64M, 1G)")
		queues   = flag.Int("queues", 0, "Number of I/O queues")
		kind     = flag.String("backend", "", "Namespace backend: mem, file or erasure")
		path     = flag.String("path", "", "Namespace file for the file backend")
		diagAddr = flag.String("diag", "", "Serve diagnostics on this address (e.g., 127.0.0.1:8080)")
		traceOut = flag.String("trace", "", "Write a binary command trace to this file")
		verbose  = flag.Bool("v", false, "Verbose output")
		hold     = flag.Bool("hold", false, "Keep the device open after the workload until interrupted")
	)
	var w workload
	flag.IntVar(&w.Ops, "ops", 2000, "Commands per I/O queue")
	flag.IntVar(&w.Blocks, "blocks", 8, "Blocks per read or write")
	flag.IntVar(&w.Aborts, "aborts", 0, "Transient aborts to inject during the run")
	flag.BoolVar(&w.Reset, "reset", false, "Reset the controller halfway through the run")
	flag.BoolVar(&w.Fail, "fail", false, "Fail the controller at three quarters of the run")
	flag.IntVar(&w.LoseShard, "lose-shard", -1, "Erasure backend: shard to lose halfway through the run")
	flag.Parse()

	cfg, err := loadConfig(*envFiles)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration: %v\n", err)
		os.Exit(2)
	}

	// Flags win over the environment
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "size":
			if size, perr := config.ParseSize(*sizeStr); perr == nil {
				cfg.NamespaceSize = size
			} else {
				err = fmt.Errorf("invalid size '%s': %v", *sizeStr, perr)
			}
		case "queues":
			cfg.IOQueues = *queues
		case "backend":
			cfg.Backend = *kind
		case "path":
			cfg.BackendPath = *path
		case "diag":
			cfg.DiagAddr = *diagAddr
		case "trace":
			cfg.TraceFile = *traceOut
		case "v":
			if *verbose {
				cfg.LogLevel = "debug"
			}
		}
	})
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration: %v\n", err)
		os.Exit(2)
	}

	logger := newLogger(cfg)
	logging.SetDefault(logger)

	store, err := openBackend(cfg)
	if err != nil {
		logger.Error("failed to open backend", "backend", cfg.Backend, "error", err)
		os.Exit(1)
	}
	defer store.Close()
	w.Store = store

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var recorder *trace.Recorder
	options := &nvmeq.Options{Logger: logger, Background: true}
	if cfg.TraceFile != "" {
		f, err := os.Create(cfg.TraceFile)
		if err != nil {
			logger.Error("failed to create trace file", "file", cfg.TraceFile, "error", err)
			os.Exit(1)
		}
		recorder = trace.NewRecorder(f)
		options.Observer = recorder
	}

	params := nvmeq.DefaultParams(store)
	params.NumIOQueues = cfg.IOQueues
	params.QueueEntries = cfg.QueueEntries
	params.QueueTrackers = cfg.QueueTrackers
	params.RetryLimit = cfg.RetryLimit
	params.MaxBacklog = cfg.MaxBacklog
	params.LBASize = cfg.LBASize
	params.ArenaSize = cfg.ArenaSize
	params.LockMemory = cfg.LockMemory

	logger.Info("opening emulated controller",
		"backend", cfg.Backend,
		"size", formatSize(cfg.NamespaceSize),
		"io_queues", cfg.IOQueues,
		"entries", cfg.QueueEntries,
		"trackers", cfg.QueueTrackers)

	dev, err := nvmeq.Open(ctx, params, options)
	if err != nil {
		logger.Error("failed to open device", "error", err)
		os.Exit(1)
	}

	var (
		pub    diag.Publisher
		server *diag.Server
	)
	if cfg.DiagAddr != "" {
		pub.Publish(dev.DiagSnapshot())
		server = diag.NewServer(&pub, logger)
		go func() {
			if err := server.ListenAndServe(cfg.DiagAddr); err != nil {
				logger.Error("diagnostics server stopped", "error", err)
			}
		}()
		go publish(ctx, dev, &pub)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()
	dumpStacksOnSignal(logger)

	info := dev.Info()
	fmt.Printf("Controller: %s (serial %s)\n", info.Model, info.Serial)
	fmt.Printf("Namespace: %d blocks of %d bytes (%s)\n", info.Blocks, info.BlockSize, formatSize(info.Size))
	fmt.Printf("I/O queues: %d x %d entries\n", info.NumIOQueues, info.QueueEntries)

	start := time.Now()
	result := w.Run(ctx, dev)
	elapsed := time.Since(start)

	printReport(dev, result, elapsed)

	if *hold && ctx.Err() == nil {
		fmt.Printf("\nHolding device open; press Ctrl+C to exit\n")
		<-ctx.Done()
	}

	if server != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("diagnostics shutdown", "error", err)
		}
		stop()
	}
	if err := dev.Close(); err != nil {
		logger.Error("error closing device", "error", err)
	}

	if recorder != nil {
		if err := recorder.Close(); err != nil {
			logger.Error("error closing trace", "error", err)
		}
		printTrace(cfg.TraceFile, recorder)
	}

	if result.Failed > 0 && !w.Fail {
		os.Exit(1)
	}
}

func loadConfig(files string) (*config.Config, error) {
	if files == "" {
		return config.Load()
	}
	return config.Load(strings.Split(files, ",")...)
}

func newLogger(cfg *config.Config) *logging.Logger {
	logConfig := logging.DefaultConfig()
	if lvl, err := logging.ParseLevel(cfg.LogLevel); err == nil {
		logConfig.Level = lvl
	}
	if cfg.LogFormat == "json" {
		logConfig.Format = "json"
	}
	return logging.NewLogger(logConfig)
}

func openBackend(cfg *config.Config) (nvmeq.Backend, error) {
	switch cfg.Backend {
	case config.BackendFile:
		return backend.OpenFile(cfg.BackendPath, backend.FileOptions{Size: cfg.NamespaceSize})
	case config.BackendErasure:
		opts := backend.DefaultErasureOptions()
		opts.DataShards = cfg.DataShards
		opts.ParityShards = cfg.ParityShards
		return backend.NewErasure(cfg.NamespaceSize, opts)
	default:
		return backend.NewMemory(cfg.NamespaceSize), nil
	}
}

// publish refreshes the diagnostics snapshot until ctx is done.
func publish(ctx context.Context, dev *nvmeq.Device, pub *diag.Publisher) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pub.Publish(dev.DiagSnapshot())
		}
	}
}

// dumpStacksOnSignal writes every goroutine stack to stderr on SIGUSR1.
func dumpStacksOnSignal(logger *logging.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	go func() {
		for range ch {
			buf := make([]byte, 1024*1024)
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "\n=== FULL GOROUTINE STACK DUMP ===\n%s\n=== END STACK DUMP ===\n\n", buf[:n])
			pprof.Lookup("goroutine").WriteTo(os.Stderr, 1)
			logger.Info("goroutine stacks dumped")
		}
	}()
}

func printReport(dev *nvmeq.Device, r result, elapsed time.Duration) {
	snap := dev.MetricsSnapshot()

	fmt.Printf("\nWorkload finished in %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("  commands:    %d ok, %d failed, %d verify mismatches\n", r.OK, r.Failed, r.Mismatches)
	fmt.Printf("  reads:       %d (%s, %d errors)\n", snap.ReadOps, formatSize(int64(snap.ReadBytes)), snap.ReadErrors)
	fmt.Printf("  writes:      %d (%s, %d errors)\n", snap.WriteOps, formatSize(int64(snap.WriteBytes)), snap.WriteErrors)
	fmt.Printf("  flushes:     %d\n", snap.FlushOps)
	fmt.Printf("  other:       %d\n", snap.OtherOps)
	fmt.Printf("  retries:     %d\n", snap.Retries)
	fmt.Printf("  rejects:     %d\n", snap.Rejects)
	fmt.Printf("  queue depth: avg %.1f, max %d, max backlog %d\n", snap.AvgQueueDepth, snap.MaxQueueDepth, snap.MaxBacklog)
	fmt.Printf("  latency:     avg %s, p50 %s, p99 %s\n",
		time.Duration(snap.AvgLatencyNs), time.Duration(snap.LatencyP50Ns), time.Duration(snap.LatencyP99Ns))
	fmt.Printf("  throughput:  %.0f IOPS, %s/s\n", snap.IOPS, formatSize(int64(snap.Bandwidth)))

	info := dev.Info()
	fmt.Printf("  controller:  %s, %d resets\n", info.State, info.Resets)
	for _, qs := range dev.Stats() {
		fmt.Printf("  queue %d:     %d submitted, %d completed, %d errors, %d retries, %d deferred\n",
			qs.ID, qs.Submitted, qs.Completed, qs.Errors, qs.Retries, qs.Deferred)
	}
}

func printTrace(path string, rec *trace.Recorder) {
	f, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open trace: %v\n", err)
		return
	}
	defer f.Close()

	records, err := trace.ReadAll(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read trace: %v\n", err)
	}
	s := trace.Summarize(records)
	fmt.Printf("\nTrace %s: %d records (%d dropped)\n", path, len(records), rec.Dropped())
	fmt.Printf("  completions: %d (%d errors), retries: %d, rejects: %d, max latency: %s\n",
		s.Completions, s.Errors, s.Retries, s.Rejects, s.MaxLatency)
}

// formatSize formats a byte count as a human-readable string
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
