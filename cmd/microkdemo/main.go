// Command microkdemo stands up a Kernel, runs the offer/accept send/recv
// seed scenario over a fresh stream pair, and then idles printing metrics
// snapshots until interrupted — a smoke test for the capability/IPC core
// with no real hardware underneath it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/lattice-os/microk"
	"github.com/lattice-os/microk/internal/logging"
	"github.com/lattice-os/microk/internal/stream"
	"github.com/lattice-os/microk/internal/wire"
)

func main() {
	var (
		verbose     = flag.Bool("v", false, "Verbose output")
		statsPeriod = flag.Duration("stats-interval", 5*time.Second, "how often to print a metrics snapshot")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kernel := microk.NewKernel(microk.KernelOptions{
		Allocator: microk.NewMockPhysicalAllocator(1 << 20),
		Logger:    logger,
	})
	defer kernel.Stop()

	kernel.RunWorkQueue(ctx)

	logger.Info("running seed offer/accept send/recv scenario")
	if err := runOfferAcceptDemo(ctx, kernel); err != nil {
		logger.Error("seed scenario failed", "error", err)
		os.Exit(1)
	}
	logger.Info("seed scenario completed successfully")

	stackDumpCh := make(chan os.Signal, 1)
	signal.Notify(stackDumpCh, syscall.SIGUSR1)
	go func() {
		for range stackDumpCh {
			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "\n=== GOROUTINE STACK DUMP ===\n%s\n", buf[:n])
			pprof.Lookup("goroutine").WriteTo(os.Stderr, 2)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(*statsPeriod)
	defer ticker.Stop()

	fmt.Println("microkdemo running. Press Ctrl+C to stop.")
	fmt.Printf("Send SIGUSR1 (kill -USR1 %d) to dump goroutine stacks.\n", os.Getpid())

	for {
		select {
		case <-ticker.C:
			printSnapshot(kernel.MetricsSnapshot())
		case <-sigCh:
			logger.Info("received shutdown signal")
			cancel()
			return
		}
	}
}

// runOfferAcceptDemo exercises a single universe's stream-pair wiring end
// to end: lane 1 offers and sends "hello" inline, lane 2 accepts and
// receives it, mirroring spec.md's S1 seed scenario.
func runOfferAcceptDemo(ctx context.Context, kernel *microk.Kernel) error {
	u := kernel.NewUniverse()
	h1, h2 := u.CreateStreamPair()

	errs := make(chan error, 2)
	var received [][]byte

	go func() {
		_, err := u.SubmitLaneList(ctx, h1, func(l *stream.Lane) ([][]byte, error) {
			return l.SubmitList(ctx, []wire.Action{
				{Kind: wire.ActionOffer},
				{Kind: wire.ActionSendFromBuffer, Buffer: []byte("hello")},
			})
		})
		errs <- err
	}()
	go func() {
		recs, err := u.SubmitLaneList(ctx, h2, func(l *stream.Lane) ([][]byte, error) {
			return l.SubmitList(ctx, []wire.Action{
				{Kind: wire.ActionAccept},
				{Kind: wire.ActionRecvInline},
			})
		})
		received = recs
		errs <- err
	}()

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			return err
		}
	}
	fmt.Printf("received inline record: %q\n", received)
	return nil
}

func printSnapshot(s microk.MetricsSnapshot) {
	fmt.Printf("[metrics] uptime=%s completions=%d cancellations=%d lane_matches=%d lane_mismatches=%d p50=%dns p99=%dns\n",
		time.Duration(s.UptimeNs), s.CompletionsPublished, s.Cancellations, s.LaneMatches, s.LaneMismatches,
		s.LatencyP50Ns, s.LatencyP99Ns)
}
