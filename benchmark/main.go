// Package main is a load generator for the docflow worker. It enqueues document
// tasks across all priorities and measures how fast the workers drain them.
//
// Usage:
//
//	go run ./benchmark -tasks 10000 -types thumbnail,parse
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/guido-cesarano/docflow/pkg/queue"
	"github.com/guido-cesarano/docflow/pkg/tasks"
)

func main() {
	numTasks := flag.Int("tasks", 10000, "Number of tasks to enqueue")
	numWorkers := flag.Int("workers", 10, "Number of concurrent enqueuers")
	addr := flag.String("redis", "localhost:6379", "Redis address")
	types := flag.String("types", "thumbnail", "Comma-separated task types to cycle through")
	flag.Parse()

	client := queue.NewClient(*addr)
	defer client.Close()
	ctx := context.Background()

	if err := client.Ping(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Redis not reachable at %s: %v\n", *addr, err)
		os.Exit(1)
	}

	taskTypes := strings.Split(*types, ",")

	fmt.Printf("docflow Benchmark\n")
	fmt.Printf("=================\n")
	fmt.Printf("Tasks to enqueue: %d\n", *numTasks)
	fmt.Printf("Concurrent enqueuers: %d\n", *numWorkers)
	fmt.Printf("Task types: %s\n\n", strings.Join(taskTypes, ", "))

	fmt.Printf("Starting enqueue phase...\n")
	startEnqueue := time.Now()

	var enqueued atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*numWorkers)
	for i := range *numTasks {
		g.Go(func() error {
			task := &tasks.Task{
				Type:     taskTypes[i%len(taskTypes)],
				Payload:  map[string]any{"name": fmt.Sprintf("doc-%d.pdf", i), "pages": 1 + i%5},
				Priority: tasks.Priorities[i%len(tasks.Priorities)],
			}
			if err := client.Enqueue(gctx, task); err != nil {
				return fmt.Errorf("enqueue: %w", err)
			}
			enqueued.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		fmt.Printf("Error enqueuing: %v\n", err)
	}
	enqueueTime := time.Since(startEnqueue)

	fmt.Printf("Enqueued %d tasks in %s\n", enqueued.Load(), enqueueTime)
	fmt.Printf("  Throughput: %.2f tasks/sec\n\n", float64(enqueued.Load())/enqueueTime.Seconds())

	fmt.Printf("Waiting for all tasks to be processed...\n")
	startProcess := time.Now()

	for {
		remaining := pending(client.GetQueueDepths(ctx))
		if remaining == 0 {
			break
		}
		time.Sleep(2 * time.Second)
		fmt.Printf("  Remaining: %d tasks\n", remaining)
	}

	processTime := time.Since(startProcess)
	dead := client.GetQueueDepths(ctx)[queue.DeadLetterQueue]

	fmt.Printf("\nAll tasks processed in %s (%d dead-lettered)\n", processTime, dead)
	fmt.Printf("  Throughput: %.2f tasks/sec\n", float64(enqueued.Load())/processTime.Seconds())

	totalTime := enqueueTime + processTime
	fmt.Printf("\nTotal time: %s\n", totalTime)
	fmt.Printf("Overall throughput: %.2f tasks/sec\n", float64(enqueued.Load())/totalTime.Seconds())
}

// pending counts tasks not yet finished: queued, delayed or being processed.
func pending(depths map[string]int64) int64 {
	var n int64
	for name, depth := range depths {
		if name != queue.DeadLetterQueue {
			n += depth
		}
	}
	return n
}
