package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/slot-dispatcher/internal/dispatcher"
	"github.com/ChuLiYu/slot-dispatcher/internal/generator"
	"github.com/ChuLiYu/slot-dispatcher/internal/worker"
)

// heap sizes exercised by the demo
var heaps = []struct {
	name string
	size int
}{
	{"small", 100},
	{"medium", 5000},
	{"large", 10000},
}

func main() {
	which := "all"
	if len(os.Args) > 1 {
		which = os.Args[1]
	}

	level := slog.LevelWarn
	if os.Getenv("DEMO_VERBOSE") != "" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ran := false
	for _, h := range heaps {
		if which != "all" && which != h.name {
			continue
		}
		ran = true
		if err := runHeap(ctx, logger, h.name, h.size); err != nil {
			fmt.Fprintf(os.Stderr, "✗ %s heap: %v\n", h.name, err)
			os.Exit(1)
		}
	}

	if !ran {
		fmt.Println("Usage: go run cmd/demo/main.go <small|medium|large|all>")
		os.Exit(1)
	}
}

func runHeap(ctx context.Context, logger *slog.Logger, name string, size int) error {
	jobs := generator.New(nil).Jobs(size)

	d, err := dispatcher.New(dispatcher.Config{
		Capacity:         size,
		PriorityUniverse: generator.Priorities(jobs),
		Logger:           logger,
	}, worker.LogExecutor{Logger: logger}, dispatcher.NewLogObserver(logger))
	if err != nil {
		return err
	}
	defer d.Close()

	for _, job := range jobs {
		_ = d.Enqueue(job)
	}
	fmt.Printf("✓ Enqueued %d jobs into the %s heap\n", len(jobs), name)

	// Show status updates while the batch drains
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				st := d.Status()
				fmt.Printf("📊 Status: Pending=%d, Active=%d, Slots=%d/%d\n",
					st.Pending, st.Active, st.Occupied, st.Slots)
			}
		}
	}()

	report, err := d.Run(ctx)
	close(done)
	if err != nil {
		return err
	}

	fmt.Println("End execution")
	fmt.Printf("Execution time for Heap size %d: %s\n", report.Capacity, report.Elapsed)
	fmt.Printf("  executed: %d, failed: %d, slot waits: %d\n\n", report.Executed, report.Failed, report.SlotWaits)
	return nil
}
