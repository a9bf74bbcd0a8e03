package pool

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "clusterjobs/pkg/logx"
)

func (p *Pool) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			p.execOne(ctx, qt)
		}
	}
}

func (p *Pool) execOne(ctx context.Context, qt queuedTask) {
	if qt.track {
		defer qt.task.State.release()
	}

	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)

	if p.cfg.MaxQueueDelay > 0 && queueDelay > p.cfg.MaxQueueDelay {
		p.drop(qt.task, "stale_queue_delay", queueDelay)
		p.record(HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"})
		return
	}

	p.runMu.Lock()
	p.running[qt.task.ID] = RunningTask{ID: qt.task.ID, Name: qt.task.Name, Started: start}
	p.runMu.Unlock()
	defer func() {
		p.runMu.Lock()
		delete(p.running, qt.task.ID)
		p.runMu.Unlock()
	}()

	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}

	// A panicking task must not kill the worker.
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				p.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		err = qt.task.Run(runCtx)
	}()

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		p.log.Debug("task.failed", logx.String("task", qt.task.Name), logx.Err(err), logx.Duration("dur", dur))
	} else {
		p.log.Trace("task.completed", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
	}
	p.record(item)
}
