package ast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pkt.systems/tngate/host"
	"pkt.systems/tngate/schema"
)

const parallelInitialWait = 2 * time.Second

// Dialer opens a dedicated host connection for one parallel item. The
// returned close func tears the connection down.
type Dialer interface {
	Dial(ctx context.Context) (*host.Host, func() error, error)
}

// DialerFunc adapts a func to the Dialer interface.
type DialerFunc func(ctx context.Context) (*host.Host, func() error, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context) (*host.Host, func() error, error) { return f(ctx) }

type parallelJob struct {
	item  any
	index int
}

type parallelOutcome struct {
	itemID     string
	status     schema.ItemStatus
	startedAt  time.Time
	durationMs int64
	err        string
	data       map[string]any
	screens    []string
}

// RunParallel executes the script with one dedicated connection per item,
// bounded by workers. Results are recorded in completion order. Pause gates
// the scheduling of new items; cancel stops items that have not started.
func (e *Execution) RunParallel(ctx context.Context, dial Dialer, workers int, params map[string]any) (result Result) {
	if workers <= 0 {
		workers = schema.DefaultASTWorkers
	}
	e.log.Info("starting ast", "mode", "parallel", "workers", workers)
	defer func() {
		if p := recover(); p != nil {
			result.Status = schema.ASTFailed
			result.Error = fmt.Sprint(p)
			result.Message = fmt.Sprintf("Error during parallel execution: %v", p)
			result.CompletedAt = time.Now()
			e.log.Error("ast panicked", "error", result.Error)
			e.updateRecord(ctx, result)
		}
	}()

	username := StringParam(params, "username")
	password := StringParam(params, "password")
	items := e.script.PrepareItems(params)
	userID := StringParam(params, "userId")
	if userID == "" {
		userID = "anonymous"
	}

	if err := validateCredentials(username, password); err != nil {
		e.log.Warn("credentials rejected", "err", err)
		return missingCredentialsResult()
	}

	result = Result{
		Status:    schema.ASTRunning,
		StartedAt: time.Now(),
		Data:      map[string]any{"username": username, "policyCount": len(items)},
	}

	e.createRecord(ctx, username, userID, len(items), result.StartedAt)

	if len(items) == 0 {
		e.log.Info("no items to process")
		result.Status = schema.ASTSuccess
		result.Message = "No items to process"
		result.CompletedAt = time.Now()
		e.updateRecord(ctx, result)
		return result
	}

	total := len(items)
	e.log.Info("processing items", "total", total, "workers", workers)

	jobs := make(chan parallelJob)
	outcomes := make(chan parallelOutcome)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				// The gate is checked per item so pause holds back new work
				// and cancel skips anything not yet started.
				if !e.waitIfPaused(ctx) {
					continue
				}
				outcomes <- e.processParallelItem(ctx, dial, job.item, job.index, total, username, password)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for idx, item := range items {
			if e.Cancelled() {
				return
			}
			select {
			case jobs <- parallelJob{item: item, index: idx}:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	var itemResults []ItemResult
	var screens []string
	processed := 0

	for oc := range outcomes {
		item := ItemResult{
			ItemID:      oc.itemID,
			Status:      oc.status,
			StartedAt:   oc.startedAt,
			CompletedAt: oc.startedAt.Add(time.Duration(oc.durationMs) * time.Millisecond),
			DurationMs:  oc.durationMs,
			Error:       oc.err,
			Data:        oc.data,
		}
		itemResults = append(itemResults, item)
		screens = append(screens, oc.screens...)
		processed++

		e.reportItemResult(item)
		e.persistItem(ctx, item)
		e.reportProgress(processed, total, oc.itemID, string(oc.status),
			fmt.Sprintf("Item %d/%d: %s", processed, total, oc.status))
	}

	success, failed, skipped := countByStatus(itemResults)
	if e.Cancelled() {
		result.Status = schema.ASTCancelled
		result.Message = fmt.Sprintf("Cancelled by user. Processed %d/%d items.", processed, total)
	} else {
		result.Status = schema.ASTSuccess
		result.Message = fmt.Sprintf("Processed %d items in parallel (%d success, %d failed, %d skipped)",
			total, success, failed, skipped)
	}
	result.Items = itemResults
	result.Screens = screens
	result.Data["successCount"] = success
	result.Data["failedCount"] = failed
	result.Data["skippedCount"] = skipped
	result.Data["parallelWorkers"] = workers
	result.CompletedAt = time.Now()

	e.updateRecord(ctx, result)
	e.log.Info("ast completed", "mode", "parallel", "status", result.Status, "duration", result.Duration())
	return result
}

// processParallelItem runs the full cycle for one item on its own
// connection. A panic inside the cycle is contained as a failed item.
func (e *Execution) processParallelItem(ctx context.Context, dial Dialer, item any, index, total int, username, password string) (oc parallelOutcome) {
	itemID := e.script.ItemID(item)
	start := time.Now()
	oc = parallelOutcome{itemID: itemID, startedAt: start}

	fail := func(err error) parallelOutcome {
		oc.status = schema.ItemFailed
		oc.err = err.Error()
		oc.durationMs = time.Since(start).Milliseconds()
		e.log.Warn("item failed", "item", itemID, "error", err, "durationMs", oc.durationMs)
		return oc
	}
	defer func() {
		if p := recover(); p != nil {
			oc = fail(fmt.Errorf("panic: %v", p))
		}
	}()

	if !e.script.ValidateItem(item) {
		oc.status = schema.ItemSkipped
		oc.err = "Invalid item"
		oc.durationMs = time.Since(start).Milliseconds()
		return oc
	}

	h, closeConn, err := dial.Dial(ctx)
	if err != nil {
		return fail(fmt.Errorf("Failed to establish session: %w", err))
	}
	defer func() {
		if cerr := closeConn(); cerr != nil {
			e.log.Warn("session close failed", "item", itemID, "error", cerr)
		}
	}()

	// Give the host a moment to paint the initial screen.
	if _, err := h.Wait(ctx, parallelInitialWait); err != nil {
		return fail(fmt.Errorf("Failed to establish session: %w", err))
	}

	shots, err := e.authenticate(ctx, h, username, password)
	oc.screens = append(oc.screens, shots...)
	if err != nil {
		return fail(fmt.Errorf("Login failed: %w", err))
	}

	data, err := e.script.ProcessItem(ctx, h, item, index+1, total)
	if err != nil {
		return fail(fmt.Errorf("Process failed: %w", err))
	}

	shots, err = e.script.Logoff(ctx, h)
	oc.screens = append(oc.screens, shots...)
	if err != nil {
		e.log.Warn("logoff failed", "item", itemID, "error", err)
	}

	oc.status = schema.ItemSuccess
	oc.data = data
	oc.durationMs = time.Since(start).Milliseconds()
	e.log.Info("item completed", "item", itemID, "durationMs", oc.durationMs, "mode", "parallel")
	return oc
}
