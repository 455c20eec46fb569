// Package cleanup drives the periodic maintenance sweeps: expiring
// sessions past their deadlines and pruning aged-out revocation
// records.
package cleanup

import (
	"context"
	"log"
	"time"
)

// Task is one named sweep. Run returns how many records it touched.
type Task struct {
	Name string
	Run  func(ctx context.Context, batchSize int) (int, error)
}

// Runner executes its tasks on a fixed interval until the context is
// cancelled. Cancellation is cooperative: a running sweep finishes its
// current batch, and each record update is an independent storage
// write, so stopping mid-sweep leaves no partial state.
type Runner struct {
	interval  time.Duration
	batchSize int
	tasks     []Task
}

const (
	defaultInterval  = time.Minute
	defaultBatchSize = 100
)

// NewRunner returns a Runner over tasks. Zero interval and batchSize
// select the defaults.
func NewRunner(interval time.Duration, batchSize int, tasks ...Task) *Runner {
	if interval <= 0 {
		interval = defaultInterval
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Runner{interval: interval, batchSize: batchSize, tasks: tasks}
}

// Run blocks, executing every task once per interval, until ctx is
// cancelled. Task failures are logged and do not stop the loop.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Runner) sweep(ctx context.Context) {
	for _, task := range r.tasks {
		if ctx.Err() != nil {
			return
		}
		n, err := task.Run(ctx, r.batchSize)
		if err != nil {
			log.Printf("cleanup: %s: %v", task.Name, err)
			continue
		}
		if n > 0 {
			log.Printf("cleanup: %s processed %d records", task.Name, n)
		}
	}
}
