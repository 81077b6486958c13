/*
 * This file is part of PrivateIndexer.
 *
 * PrivateIndexer is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * PrivateIndexer is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with PrivateIndexer.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package scheduler runs periodic maintenance tasks, each on its own cadence.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"privateindexer/collector"
	"privateindexer/log"
)

type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type Scheduler struct {
	tasks []Task

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(tasks ...Task) *Scheduler {
	return &Scheduler{tasks: tasks}
}

// contextTick calls onTick every d until ctx is done
func contextTick(ctx context.Context, d time.Duration, onTick func()) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			onTick()
		}
	}
}

// Start launches every task in its own goroutine. Each task runs once immediately, then on its interval.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	for _, task := range s.tasks {
		s.wg.Add(1)

		go func() {
			defer s.wg.Done()

			slog.Info("starting task", "task", task.Name, "interval", task.Interval)

			execute(ctx, task)
			contextTick(ctx, task.Interval, func() { execute(ctx, task) })
		}()
	}
}

// Stop cancels tick loops and waits for in-flight runs to return
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}

	s.cancel()
	s.wg.Wait()

	slog.Info("scheduler stopped")
}

// execute runs task once; failures and panics are contained so the next tick still fires
func execute(ctx context.Context, task Task) {
	if ctx.Err() != nil {
		return
	}

	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			collector.IncrementTaskFailures(task.Name)
			slog.Error("task panicked", "task", task.Name, "err", fmt.Sprint(r), "stack", log.Stack())
		}

		collector.UpdateTaskTime(task.Name, time.Since(start))
	}()

	if err := task.Run(ctx); err != nil {
		if ctx.Err() != nil {
			slog.Info("task interrupted by shutdown", "task", task.Name)
			return
		}

		collector.IncrementTaskFailures(task.Name)
		slog.Error("task failed", "task", task.Name, "err", err, "took", time.Since(start))

		return
	}

	slog.Debug("task finished", "task", task.Name, "took", time.Since(start))
}
