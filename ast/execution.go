package ast

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tngate/host"
	"pkt.systems/tngate/schema"
)

const authKeywordTimeout = 30 * time.Second

// Callbacks deliver run events to the session layer. Any callback may be
// nil.
type Callbacks struct {
	// OnProgress fires after each step of an item and after each recorded
	// result. itemStatus is pending, running, success, failed or skipped.
	OnProgress func(current, total int, itemID, itemStatus, message string)
	// OnItemResult fires once per recorded item.
	OnItemResult func(item ItemResult)
	// OnPauseState fires on pause and resume.
	OnPauseState func(paused bool, message string)
}

// ExecutionConfig wires one run.
type ExecutionConfig struct {
	Script      Script
	ExecutionID schema.ExecutionID
	SessionID   schema.SessionID
	UserID      string
	Recorder    Recorder
	Callbacks   Callbacks
	Logger      pslog.Logger
}

// Execution drives one run of a script and owns its pause and cancel state.
// Pause takes effect before the next item; cancel releases a blocked pause
// so waiters never hang.
type Execution struct {
	script Script
	id     schema.ExecutionID
	sess   schema.SessionID
	userID string
	rec    Recorder
	cb     Callbacks
	log    pslog.Logger

	mu        sync.Mutex
	paused    bool
	cancelled bool
	// resume is non-nil while paused and closed on resume or cancel.
	resume chan struct{}
}

// NewExecution constructs an execution. A missing ExecutionID is generated.
func NewExecution(cfg ExecutionConfig) *Execution {
	if cfg.ExecutionID == "" {
		cfg.ExecutionID = schema.ExecutionID(newExecutionID())
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	prof := cfg.Script.Profile()
	return &Execution{
		script: cfg.Script,
		id:     cfg.ExecutionID,
		sess:   cfg.SessionID,
		userID: cfg.UserID,
		rec:    cfg.Recorder,
		cb:     cfg.Callbacks,
		log:    logger.With("ast", prof.Name, "executionId", cfg.ExecutionID),
	}
}

func newExecutionID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "exec-unknown"
	}
	return hex.EncodeToString(buf[:])
}

// ID returns the execution identifier.
func (e *Execution) ID() schema.ExecutionID { return e.id }

// Name returns the script name.
func (e *Execution) Name() schema.ASTName { return e.script.Profile().Name }

// Pause requests a pause before the next item. No-op when already paused or
// cancelled.
func (e *Execution) Pause() {
	e.mu.Lock()
	if e.paused || e.cancelled {
		e.mu.Unlock()
		return
	}
	e.paused = true
	e.resume = make(chan struct{})
	e.mu.Unlock()
	e.log.Info("ast paused")
	if e.cb.OnPauseState != nil {
		e.cb.OnPauseState(true, "AST paused - you can make manual adjustments")
	}
}

// Resume releases a paused run.
func (e *Execution) Resume() {
	e.mu.Lock()
	if !e.paused {
		e.mu.Unlock()
		return
	}
	e.paused = false
	close(e.resume)
	e.resume = nil
	e.mu.Unlock()
	e.log.Info("ast resumed")
	if e.cb.OnPauseState != nil {
		e.cb.OnPauseState(false, "AST resumed")
	}
}

// Cancel marks the run cancelled and unblocks any pause wait.
func (e *Execution) Cancel() {
	e.mu.Lock()
	if e.cancelled {
		e.mu.Unlock()
		return
	}
	e.cancelled = true
	e.paused = false
	if e.resume != nil {
		close(e.resume)
		e.resume = nil
	}
	e.mu.Unlock()
	e.log.Info("ast cancelled")
}

// Paused reports the pause state.
func (e *Execution) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Cancelled reports the cancel state.
func (e *Execution) Cancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

// waitIfPaused blocks while paused. Returns false when the run should stop,
// either cancelled or context done.
func (e *Execution) waitIfPaused(ctx context.Context) bool {
	e.mu.Lock()
	if e.cancelled {
		e.mu.Unlock()
		return false
	}
	resume := e.resume
	e.mu.Unlock()
	if resume != nil {
		select {
		case <-resume:
		case <-ctx.Done():
			return false
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.cancelled
}

// Run executes the script sequentially over one shared host connection.
// Every item gets a full authenticate, process, logoff cycle. The run
// boundary never panics outward and always yields a terminal result.
func (e *Execution) Run(ctx context.Context, h *host.Host, params map[string]any) (result Result) {
	e.log.Info("starting ast")
	defer func() {
		if p := recover(); p != nil {
			result.Status = schema.ASTFailed
			result.Error = fmt.Sprint(p)
			result.Message = fmt.Sprintf("Error: %v", p)
			result.CompletedAt = time.Now()
			e.log.Error("ast panicked", "error", result.Error)
			e.updateRecord(ctx, result)
		}
	}()

	result = e.execute(ctx, h, params)
	if result.Status == schema.ASTRunning {
		result.Status = schema.ASTSuccess
	}
	result.CompletedAt = time.Now()
	e.log.Info("ast completed", "status", result.Status, "duration", result.Duration())
	return result
}

func validateCredentials(username, password string) error {
	if username == "" || password == "" {
		return schema.ErrMissingCredentials
	}
	return nil
}

// missingCredentialsResult carries the wire-stable validation failure text.
func missingCredentialsResult() Result {
	now := time.Now()
	return Result{
		Status:      schema.ASTFailed,
		StartedAt:   now,
		CompletedAt: now,
		Message:     "Missing required parameters: username and password are required",
		Error:       "ValidationError: username and password must be provided",
	}
}

func (e *Execution) execute(ctx context.Context, h *host.Host, params map[string]any) Result {
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

	result := Result{
		Status:    schema.ASTRunning,
		StartedAt: time.Now(),
		Data:      map[string]any{"username": username, "policyCount": len(items)},
	}

	e.createRecord(ctx, username, userID, len(items), result.StartedAt)

	if len(items) == 0 {
		e.log.Info("no items to process")
		result.Status = schema.ASTSuccess
		result.Message = "No items to process"
		e.updateRecord(ctx, result)
		return result
	}

	total := len(items)
	e.log.Info("processing items", "total", total)

	var screens []string
	var itemResults []ItemResult

	for idx, item := range items {
		if !e.waitIfPaused(ctx) {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				result.Status = schema.ASTTimeout
				result.Error = ctx.Err().Error()
				result.Message = fmt.Sprintf("Timeout: %v", ctx.Err())
			} else {
				result.Status = schema.ASTCancelled
				result.Message = "Cancelled by user"
			}
			e.log.Info("ast stopped before item", "index", idx, "status", result.Status)
			break
		}

		itemID := e.script.ItemID(item)
		itemStart := time.Now()
		e.reportProgress(idx+1, total, itemID, "running", fmt.Sprintf("Item %d/%d: Logging in", idx+1, total))

		if !e.script.ValidateItem(item) {
			e.recordItem(ctx, &itemResults, itemID, schema.ItemSkipped, itemStart, idx+1, total, "Invalid item", nil)
			continue
		}

		itemData, shots, err := e.runItemCycle(ctx, h, item, idx+1, total, itemID, username, password)
		screens = append(screens, shots...)
		if err != nil {
			var data map[string]any
			if errScreen := h.FormattedScreen(false); errScreen != "" {
				data = map[string]any{"errorScreen": errScreen}
			}
			dur := e.recordItem(ctx, &itemResults, itemID, schema.ItemFailed, itemStart, idx+1, total, err.Error(), data)
			e.log.Warn("item failed", "item", itemID, "error", err, "durationMs", dur)

			e.log.Info("attempting recovery logoff")
			if _, lerr := e.script.Logoff(ctx, h); lerr != nil {
				e.log.Warn("recovery logoff failed, continuing", "error", lerr)
			}
			continue
		}

		dur := e.recordItem(ctx, &itemResults, itemID, schema.ItemSuccess, itemStart, idx+1, total, "", itemData)
		e.log.Info("item completed", "item", itemID, "durationMs", dur)
	}

	success, failed, skipped := countByStatus(itemResults)
	if result.Status != schema.ASTCancelled && result.Status != schema.ASTTimeout {
		result.Status = schema.ASTSuccess
		result.Message = fmt.Sprintf("Processed %d items (%d success, %d failed, %d skipped)",
			total, success, failed, skipped)
	}
	result.Items = itemResults
	result.Screens = screens
	result.Data["successCount"] = success
	result.Data["failedCount"] = failed
	result.Data["skippedCount"] = skipped

	e.updateRecord(ctx, result)
	return result
}

// runItemCycle performs the authenticate, process, logoff sequence for one
// item. Partial screen captures are returned even on error.
func (e *Execution) runItemCycle(ctx context.Context, h *host.Host, item any, index, total int, itemID, username, password string) (map[string]any, []string, error) {
	screens, err := e.authenticate(ctx, h, username, password)
	if err != nil {
		return nil, screens, fmt.Errorf("Login failed: %w", err)
	}

	e.reportProgress(index, total, itemID, "running", fmt.Sprintf("Item %d/%d: Processing", index, total))
	itemData, err := e.script.ProcessItem(ctx, h, item, index, total)
	if err != nil {
		return nil, screens, fmt.Errorf("Process failed: %w", err)
	}

	e.reportProgress(index, total, itemID, "running", fmt.Sprintf("Item %d/%d: Logging off", index, total))
	shots, err := e.script.Logoff(ctx, h)
	screens = append(screens, shots...)
	if err != nil {
		return nil, screens, fmt.Errorf("Logoff failed: %w", err)
	}

	return itemData, screens, nil
}

// authenticate logs in using the script's auth profile. A screen already
// showing an expected keyword counts as authenticated.
func (e *Execution) authenticate(ctx context.Context, h *host.Host, username, password string) ([]string, error) {
	prof := e.script.Profile()
	var screens []string

	for _, kw := range prof.AuthKeywords {
		if h.Contains(kw, false) {
			e.log.Info("already at expected screen", "keyword", kw)
			screens = append(screens, h.ShowScreen("Already Authenticated"))
			return screens, nil
		}
	}

	e.log.Info("starting authentication", "user", username)

	ok, err := h.FillFieldByLabel("Userid", username, false)
	if err != nil {
		return screens, err
	}
	if !ok {
		screens = append(screens, h.ShowScreen("Userid Field Not Found"))
		return screens, errors.New("failed to find Userid field")
	}

	ok, err = h.FillFieldByLabel("Password", password, false)
	if err != nil {
		return screens, err
	}
	if !ok {
		screens = append(screens, h.ShowScreen("Password Field Not Found"))
		return screens, errors.New("failed to find Password field")
	}

	if prof.AuthApplication != "" {
		if ok, _ := h.FillFieldByLabel("Application", prof.AuthApplication, false); !ok {
			e.log.Warn("failed to find Application field", "application", prof.AuthApplication)
		}
	}
	if prof.AuthGroup != "" {
		if ok, _ := h.FillFieldByLabel("Group", prof.AuthGroup, false); !ok {
			e.log.Warn("failed to find Group field", "group", prof.AuthGroup)
		}
	}

	if err := h.Enter(); err != nil {
		return screens, err
	}

	if len(prof.AuthKeywords) > 0 {
		for _, kw := range prof.AuthKeywords {
			if h.WaitForText(ctx, kw, authKeywordTimeout, false) {
				e.log.Info("authentication successful", "keyword", kw)
				screens = append(screens, h.ShowScreen("Authentication Successful"))
				return screens, nil
			}
		}
		screens = append(screens, h.ShowScreen("Authentication Failed"))
		return screens, fmt.Errorf("expected keywords not found after login: %v", prof.AuthKeywords)
	}

	e.log.Info("authentication completed")
	screens = append(screens, h.ShowScreen("Authentication Completed"))
	return screens, nil
}

// recordItem appends and reports one item result, persists it, and emits the
// trailing progress message. Returns the item duration in milliseconds.
func (e *Execution) recordItem(ctx context.Context, results *[]ItemResult, itemID string, status schema.ItemStatus, start time.Time, current, total int, errText string, data map[string]any) int64 {
	end := time.Now()
	durationMs := end.Sub(start).Milliseconds()
	item := ItemResult{
		ItemID:      itemID,
		Status:      status,
		StartedAt:   start,
		CompletedAt: end,
		DurationMs:  durationMs,
		Error:       errText,
		Data:        data,
	}
	*results = append(*results, item)

	e.reportItemResult(item)
	e.persistItem(ctx, item)

	var message string
	switch status {
	case schema.ItemSuccess:
		message = fmt.Sprintf("Item %d/%d: Completed", current, total)
	case schema.ItemFailed:
		message = fmt.Sprintf("Item %d/%d: Failed - %s", current, total, errText)
	default:
		message = fmt.Sprintf("Item %d/%d: Skipped", current, total)
	}
	e.reportProgress(current, total, itemID, string(status), message)

	return durationMs
}

func (e *Execution) reportProgress(current, total int, itemID, itemStatus, message string) {
	if e.cb.OnProgress != nil {
		e.cb.OnProgress(current, total, itemID, itemStatus, message)
	}
	e.log.Debug("ast progress", "current", current, "total", total, "item", itemID, "itemStatus", itemStatus)
}

func (e *Execution) reportItemResult(item ItemResult) {
	if e.cb.OnItemResult != nil {
		e.cb.OnItemResult(item)
	}
	e.log.Debug("ast item result", "item", item.ItemID, "status", item.Status, "durationMs", item.DurationMs)
}

func (e *Execution) persistItem(ctx context.Context, item ItemResult) {
	if e.rec == nil {
		return
	}
	if err := e.rec.PutItemResult(ctx, e.id, item); err != nil {
		e.log.Warn("failed to save item result", "item", item.ItemID, "error", err)
	}
}

func (e *Execution) createRecord(ctx context.Context, username, userID string, itemCount int, startedAt time.Time) {
	if e.rec == nil {
		return
	}
	rec := ExecutionRecord{
		SessionID:   e.sess,
		ExecutionID: e.id,
		ASTName:     e.script.Profile().Name,
		UserID:      userID,
		HostUser:    username,
		ItemCount:   itemCount,
		Status:      schema.ASTRunning,
		StartedAt:   startedAt,
	}
	if err := e.rec.CreateExecution(ctx, rec); err != nil {
		e.log.Warn("failed to create execution record", "error", err)
		return
	}
	e.log.Info("created execution record", "userId", userID)
}

func (e *Execution) updateRecord(ctx context.Context, result Result) {
	if e.rec == nil {
		return
	}
	success, failed, skipped := countByStatus(result.Items)
	upd := ExecutionUpdate{
		Status:       result.Status,
		Message:      result.Message,
		Error:        result.Error,
		CompletedAt:  time.Now(),
		SuccessCount: success,
		FailedCount:  failed,
		SkippedCount: skipped,
	}
	if err := e.rec.UpdateExecution(ctx, e.sess, e.id, upd); err != nil {
		e.log.Warn("failed to update execution record", "error", err)
		return
	}
	e.log.Info("updated execution record", "status", result.Status)
}
