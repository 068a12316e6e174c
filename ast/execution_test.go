package ast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"pkt.systems/tngate/host"
	"pkt.systems/tngate/schema"
	"pkt.systems/tngate/screen3270"
)

// fakeEngine satisfies host.Engine with a static screen.
type fakeEngine struct {
	snap screen3270.Snapshot
}

func newFakeEngine(text string) *fakeEngine {
	rows, cols := 4, 40
	size := rows * cols
	e := &fakeEngine{snap: screen3270.Snapshot{
		Rows:      rows,
		Cols:      cols,
		Content:   make([]byte, size),
		FieldAttr: make([]byte, size),
		FG:        make([]byte, size),
		BG:        make([]byte, size),
		Highlight: make([]byte, size),
	}}
	for i, r := range text {
		e.snap.Content[i] = testEBCDIC(r)
	}
	return e
}

func testEBCDIC(r rune) byte {
	switch {
	case r >= 'a' && r <= 'i':
		return 0x81 + byte(r-'a')
	case r >= 'A' && r <= 'I':
		return 0xC1 + byte(r-'A')
	case r >= 'J' && r <= 'R':
		return 0xD1 + byte(r-'J')
	case r >= 'S' && r <= 'Z':
		return 0xE2 + byte(r-'S')
	case r >= '0' && r <= '9':
		return 0xF0 + byte(r-'0')
	default:
		return 0x40
	}
}

func (e *fakeEngine) Connect(ctx context.Context, host string, port int, secure bool) error {
	return nil
}
func (e *fakeEngine) Close() error                  { return nil }
func (e *fakeEngine) ConnectionLost() bool          { return false }
func (e *fakeEngine) Updated() bool                 { return false }
func (e *fakeEngine) ClearUpdated()                 {}
func (e *fakeEngine) KeyboardLocked() bool          { return false }
func (e *fakeEngine) Snapshot() screen3270.Snapshot { return e.snap }
func (e *fakeEngine) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	return false, nil
}
func (e *fakeEngine) Key(k host.Key) error              { return nil }
func (e *fakeEngine) PF(n int) error                    { return nil }
func (e *fakeEngine) PA(n int) error                    { return nil }
func (e *fakeEngine) Type(text string) error            { return nil }
func (e *fakeEngine) MoveCursor(row, col int) error     { return nil }
func (e *fakeEngine) MoveCursorToAddress(addr int) error { return nil }

// authHost returns a host whose screen already shows the expected keyword so
// the engine's authenticate step short-circuits.
func authHost() *host.Host {
	return host.New(newFakeEngine("READY"), nil)
}

// fakeScript lets tests hook each stage.
type fakeScript struct {
	process func(item any, index int) (map[string]any, error)
	logoff  func() error
}

func (s *fakeScript) Profile() Profile {
	return Profile{Name: "fake", AuthKeywords: []string{"READY"}}
}
func (s *fakeScript) ValidateItem(item any) bool { return DefaultItemID(item) != "bad" }
func (s *fakeScript) ItemID(item any) string     { return DefaultItemID(item) }
func (s *fakeScript) PrepareItems(params map[string]any) []any {
	return ItemsFromParams(params)
}
func (s *fakeScript) ProcessItem(ctx context.Context, h *host.Host, item any, index, total int) (map[string]any, error) {
	if s.process != nil {
		return s.process(item, index)
	}
	return map[string]any{"item": DefaultItemID(item)}, nil
}
func (s *fakeScript) Logoff(ctx context.Context, h *host.Host) ([]string, error) {
	if s.logoff != nil {
		return nil, s.logoff()
	}
	return nil, nil
}

// fakeRecorder captures persistence calls.
type fakeRecorder struct {
	mu      sync.Mutex
	created []ExecutionRecord
	updated []ExecutionUpdate
	items   []ItemResult
}

func (r *fakeRecorder) CreateExecution(ctx context.Context, rec ExecutionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, rec)
	return nil
}
func (r *fakeRecorder) UpdateExecution(ctx context.Context, sessionID schema.SessionID, id schema.ExecutionID, upd ExecutionUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated = append(r.updated, upd)
	return nil
}
func (r *fakeRecorder) PutItemResult(ctx context.Context, id schema.ExecutionID, item ItemResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, item)
	return nil
}

func params(items ...any) map[string]any {
	return map[string]any{
		"username":      "USER01",
		"password":      "secret",
		"policyNumbers": items,
	}
}

func TestRunMissingCredentials(t *testing.T) {
	e := NewExecution(ExecutionConfig{Script: &fakeScript{}})
	res := e.Run(context.Background(), authHost(), map[string]any{"policyNumbers": []any{"A00000001"}})

	if res.Status != schema.ASTFailed {
		t.Fatalf("status = %s", res.Status)
	}
	if res.Message != "Missing required parameters: username and password are required" {
		t.Fatalf("message = %q", res.Message)
	}
	if res.Error != "ValidationError: username and password must be provided" {
		t.Fatalf("error = %q", res.Error)
	}
	if len(res.Items) != 0 {
		t.Fatalf("items recorded: %d", len(res.Items))
	}
}

func TestValidateCredentials(t *testing.T) {
	cases := []struct {
		username, password string
		wantErr            bool
	}{
		{"USER01", "secret", false},
		{"", "secret", true},
		{"USER01", "", true},
		{"", "", true},
	}
	for _, c := range cases {
		err := validateCredentials(c.username, c.password)
		if !c.wantErr {
			if err != nil {
				t.Fatalf("validateCredentials(%q, %q) = %v", c.username, c.password, err)
			}
			continue
		}
		if !errors.Is(err, schema.ErrMissingCredentials) {
			t.Fatalf("validateCredentials(%q, %q) = %v, want ErrMissingCredentials", c.username, c.password, err)
		}
		if !errdefs.IsInvalidArgument(err) {
			t.Fatalf("error not classified invalid argument: %v", err)
		}
	}
}

func TestRunNoItems(t *testing.T) {
	e := NewExecution(ExecutionConfig{Script: &fakeScript{}})
	res := e.Run(context.Background(), authHost(), params())
	if res.Status != schema.ASTSuccess {
		t.Fatalf("status = %s", res.Status)
	}
	if res.Message != "No items to process" {
		t.Fatalf("message = %q", res.Message)
	}
}

func TestRunAllSuccess(t *testing.T) {
	rec := &fakeRecorder{}
	var progress []string
	e := NewExecution(ExecutionConfig{
		Script:   &fakeScript{},
		Recorder: rec,
		Callbacks: Callbacks{
			OnProgress: func(current, total int, itemID, itemStatus, message string) {
				progress = append(progress, message)
			},
		},
	})
	res := e.Run(context.Background(), authHost(), params("A00000001", "B00000002"))

	if res.Status != schema.ASTSuccess {
		t.Fatalf("status = %s, error = %q", res.Status, res.Error)
	}
	if res.Message != "Processed 2 items (2 success, 0 failed, 0 skipped)" {
		t.Fatalf("message = %q", res.Message)
	}
	if len(res.Items) != 2 {
		t.Fatalf("items = %d", len(res.Items))
	}
	if res.Data["successCount"] != 2 || res.Data["failedCount"] != 0 {
		t.Fatalf("counts = %v", res.Data)
	}
	if len(rec.created) != 1 || len(rec.items) != 2 || len(rec.updated) != 1 {
		t.Fatalf("recorder calls: create=%d items=%d update=%d",
			len(rec.created), len(rec.items), len(rec.updated))
	}
	if rec.updated[0].Status != schema.ASTSuccess {
		t.Fatalf("persisted status = %s", rec.updated[0].Status)
	}

	wantPhases := []string{"Logging in", "Processing", "Logging off", "Completed"}
	for _, phase := range wantPhases {
		if !strings.Contains(strings.Join(progress, "|"), "Item 1/2: "+phase) {
			t.Fatalf("progress missing %q in %v", phase, progress)
		}
	}
}

func TestRunContainsItemFailure(t *testing.T) {
	script := &fakeScript{
		process: func(item any, index int) (map[string]any, error) {
			if DefaultItemID(item) == "B00000002" {
				return nil, errors.New("host rejected policy")
			}
			return nil, nil
		},
	}
	e := NewExecution(ExecutionConfig{Script: script})
	res := e.Run(context.Background(), authHost(), params("A00000001", "B00000002", "C00000003"))

	if res.Status != schema.ASTSuccess {
		t.Fatalf("status = %s", res.Status)
	}
	if res.Message != "Processed 3 items (2 success, 1 failed, 0 skipped)" {
		t.Fatalf("message = %q", res.Message)
	}
	if len(res.Items) != 3 {
		t.Fatalf("every item must yield a result, got %d", len(res.Items))
	}
	failed := res.Items[1]
	if failed.Status != schema.ItemFailed {
		t.Fatalf("item status = %s", failed.Status)
	}
	if !strings.Contains(failed.Error, "Process failed") || !strings.Contains(failed.Error, "host rejected policy") {
		t.Fatalf("item error = %q", failed.Error)
	}
}

func TestRunSkipsInvalidItems(t *testing.T) {
	e := NewExecution(ExecutionConfig{Script: &fakeScript{}})
	res := e.Run(context.Background(), authHost(), params("A00000001", "bad"))

	if res.Message != "Processed 2 items (1 success, 0 failed, 1 skipped)" {
		t.Fatalf("message = %q", res.Message)
	}
	skipped := res.Items[1]
	if skipped.Status != schema.ItemSkipped || skipped.Error != "Invalid item" {
		t.Fatalf("skipped item = %+v", skipped)
	}
}

func TestRunRecoveryLogoffSwallowed(t *testing.T) {
	script := &fakeScript{
		process: func(item any, index int) (map[string]any, error) {
			return nil, errors.New("boom")
		},
		logoff: func() error { return errors.New("logoff also broken") },
	}
	e := NewExecution(ExecutionConfig{Script: script})
	res := e.Run(context.Background(), authHost(), params("A00000001"))

	if res.Status != schema.ASTSuccess {
		t.Fatalf("run-level status = %s, recovery failures must stay contained", res.Status)
	}
	if res.Items[0].Status != schema.ItemFailed {
		t.Fatalf("item status = %s", res.Items[0].Status)
	}
}

func TestRunPanicContained(t *testing.T) {
	script := &fakeScript{
		process: func(item any, index int) (map[string]any, error) {
			panic("unexpected screen layout")
		},
	}
	e := NewExecution(ExecutionConfig{Script: script})
	res := e.Run(context.Background(), authHost(), params("A00000001"))

	// A processing panic is contained as an item failure, not a run failure.
	if res.Status != schema.ASTSuccess && res.Status != schema.ASTFailed {
		t.Fatalf("status = %s", res.Status)
	}
	if res.CompletedAt.IsZero() {
		t.Fatal("run did not complete")
	}
}

func TestPauseResumeGatesItems(t *testing.T) {
	started := make(chan string, 3)
	release := make(chan struct{})
	script := &fakeScript{
		process: func(item any, index int) (map[string]any, error) {
			started <- DefaultItemID(item)
			<-release
			return nil, nil
		},
	}
	e := NewExecution(ExecutionConfig{Script: script})

	done := make(chan Result, 1)
	go func() {
		done <- e.Run(context.Background(), authHost(), params("A00000001", "B00000002"))
	}()

	<-started // item 1 is processing
	e.Pause()
	if !e.Paused() {
		t.Fatal("not paused")
	}
	release <- struct{}{} // let item 1 finish

	select {
	case id := <-started:
		t.Fatalf("item %s started while paused", id)
	case <-time.After(100 * time.Millisecond):
	}

	e.Resume()
	<-started // item 2 now runs
	release <- struct{}{}

	res := <-done
	if res.Status != schema.ASTSuccess {
		t.Fatalf("status = %s", res.Status)
	}
	if len(res.Items) != 2 {
		t.Fatalf("items = %d", len(res.Items))
	}
}

func TestCancelWhilePaused(t *testing.T) {
	started := make(chan struct{}, 3)
	release := make(chan struct{})
	script := &fakeScript{
		process: func(item any, index int) (map[string]any, error) {
			started <- struct{}{}
			<-release
			return nil, nil
		},
	}
	e := NewExecution(ExecutionConfig{Script: script})

	done := make(chan Result, 1)
	go func() {
		done <- e.Run(context.Background(), authHost(), params("A00000001", "B00000002"))
	}()

	<-started
	e.Pause()
	e.Cancel() // must release the pause gate
	release <- struct{}{}

	select {
	case res := <-done:
		if res.Status != schema.ASTCancelled {
			t.Fatalf("status = %s", res.Status)
		}
		if res.Message != "Cancelled by user" {
			t.Fatalf("message = %q", res.Message)
		}
		if len(res.Items) != 1 {
			t.Fatalf("items = %d, item 2 must not run", len(res.Items))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled pause hung")
	}
}

func TestPauseResumeIdempotent(t *testing.T) {
	var pauseEvents []bool
	e := NewExecution(ExecutionConfig{
		Script: &fakeScript{},
		Callbacks: Callbacks{
			OnPauseState: func(paused bool, message string) {
				pauseEvents = append(pauseEvents, paused)
			},
		},
	})
	e.Pause()
	e.Pause()
	e.Resume()
	e.Resume()
	if fmt.Sprint(pauseEvents) != "[true false]" {
		t.Fatalf("pause events = %v", pauseEvents)
	}
}

func TestRegistryUnknownAST(t *testing.T) {
	r := DefaultRegistry()
	if _, err := r.New("nope"); !errors.Is(err, schema.ErrUnknownAST) {
		t.Fatalf("error = %v", err)
	}
	s, err := r.New(LoginName)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if s.Profile().Name != LoginName {
		t.Fatalf("profile name = %s", s.Profile().Name)
	}
}

func TestProgressPercentAlignment(t *testing.T) {
	// Progress callbacks feed schema messages; the rounding contract lives
	// there but the engine supplies current/total pairs.
	if got := schema.ProgressPercent(1, 3); got != 33 {
		t.Fatalf("percent = %d", got)
	}
	if got := schema.ProgressPercent(2, 3); got != 67 {
		t.Fatalf("percent = %d", got)
	}
	if got := schema.ProgressPercent(0, 0); got != 0 {
		t.Fatalf("percent = %d", got)
	}
}
