package console

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tngate/bus"
	"pkt.systems/tngate/core"
	"pkt.systems/tngate/host"
	"pkt.systems/tngate/schema"
	"pkt.systems/tngate/screen3270"
)

// quietEngine answers every call successfully and shows a static screen.
type quietEngine struct {
	snap screen3270.Snapshot
}

func newQuietEngine() *quietEngine {
	size := schema.ScreenRows * schema.ScreenCols
	e := &quietEngine{snap: screen3270.Snapshot{
		Rows:      schema.ScreenRows,
		Cols:      schema.ScreenCols,
		Content:   make([]byte, size),
		FieldAttr: make([]byte, size),
		FG:        make([]byte, size),
		BG:        make([]byte, size),
		Highlight: make([]byte, size),
	}}
	// "READY" in EBCDIC.
	copy(e.snap.Content, []byte{0xD9, 0xC5, 0xC1, 0xC4, 0xE8})
	return e
}

func (e *quietEngine) Connect(ctx context.Context, host string, port int, secure bool) error {
	return nil
}
func (e *quietEngine) Close() error                       { return nil }
func (e *quietEngine) ConnectionLost() bool               { return false }
func (e *quietEngine) Updated() bool                      { return false }
func (e *quietEngine) ClearUpdated()                      {}
func (e *quietEngine) KeyboardLocked() bool               { return false }
func (e *quietEngine) Snapshot() screen3270.Snapshot      { return e.snap }
func (e *quietEngine) Key(k host.Key) error               { return nil }
func (e *quietEngine) PF(n int) error                     { return nil }
func (e *quietEngine) PA(n int) error                     { return nil }
func (e *quietEngine) Type(text string) error             { return nil }
func (e *quietEngine) MoveCursor(row, col int) error      { return nil }
func (e *quietEngine) MoveCursorToAddress(addr int) error { return nil }

func (e *quietEngine) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(timeout):
		return false, nil
	}
}

func newTestServer(t *testing.T) (*Server, *bus.Memory) {
	t.Helper()
	mem := bus.NewMemory(nil)
	svc, err := core.NewService(schema.ServiceConfig{
		Namespace:    "tn3270",
		DefaultHost:  "mainframe.example",
		DefaultPort:  3270,
		MaxSessions:  4,
		PollInterval: 5 * time.Millisecond,
		ConnectWait:  time.Millisecond,
	}, core.ServiceDeps{
		Bus:     mem,
		Engines: core.EngineProviderFunc(func(id schema.SessionID) host.Engine { return newQuietEngine() }),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() { svc.Stop(context.Background()) })
	srv := &Server{
		Service:   svc,
		Bus:       mem,
		Namespace: "tn3270",
		Logger: pslog.NewWithOptions(io.Discard, pslog.Options{
			Mode:     pslog.ModeStructured,
			NoColor:  true,
			MinLevel: pslog.InfoLevel,
		}),
	}
	return srv, mem
}

type consoleIO struct {
	io.Reader
	io.Writer
}

func run(t *testing.T, srv *Server, line string) (string, bool, error) {
	t.Helper()
	var out bytes.Buffer
	reader := bufio.NewReader(strings.NewReader(""))
	rw := consoleIO{Reader: reader, Writer: &out}
	done, err := srv.execute(context.Background(), rw, reader, line)
	return out.String(), done, err
}

func TestReadLine(t *testing.T) {
	var echo bytes.Buffer
	reader := bufio.NewReader(strings.NewReader("lsx\x7f\r"))
	line, err := readLine(&echo, reader)
	if err != nil {
		t.Fatalf("read line: %v", err)
	}
	if line != "ls" {
		t.Fatalf("line = %q", line)
	}
	if !strings.Contains(echo.String(), "\b \b") {
		t.Fatalf("expected backspace echo, got %q", echo.String())
	}
}

func TestReadLineInterrupt(t *testing.T) {
	reader := bufio.NewReader(strings.NewReader("abc\x03"))
	if _, err := readLine(io.Discard, reader); err != io.EOF {
		t.Fatalf("expected EOF on interrupt, got %v", err)
	}
}

func TestExecuteUnknownCommand(t *testing.T) {
	srv, _ := newTestServer(t)
	_, done, err := run(t, srv, "frobnicate")
	if done {
		t.Fatal("unknown command ended the session")
	}
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("err = %v", err)
	}
}

func TestExecuteExit(t *testing.T) {
	srv, _ := newTestServer(t)
	_, done, err := run(t, srv, "exit")
	if err != nil || !done {
		t.Fatalf("done=%v err=%v", done, err)
	}
}

func TestExecuteListEmpty(t *testing.T) {
	srv, _ := newTestServer(t)
	out, _, err := run(t, srv, "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "no sessions") {
		t.Fatalf("out = %q", out)
	}
}

func TestExecuteListAndScreen(t *testing.T) {
	srv, _ := newTestServer(t)
	if _, err := srv.Service.CreateSession(context.Background(), "sess-1", "mainframe.example", 3270); err != nil {
		t.Fatalf("create: %v", err)
	}

	out, _, err := run(t, srv, "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "sess-1") || !strings.Contains(out, "tn3270://mainframe.example:3270") {
		t.Fatalf("out = %q", out)
	}

	out, _, err = run(t, srv, "screen sess-1")
	if err != nil {
		t.Fatalf("screen: %v", err)
	}
	if !strings.Contains(out, "READY") {
		t.Fatalf("out = %q", out)
	}
}

func TestExecuteScreenUnknownSession(t *testing.T) {
	srv, _ := newTestServer(t)
	if _, _, err := run(t, srv, "screen nope"); err == nil {
		t.Fatal("expected error for unknown session")
	}
}

func TestExecuteDestroy(t *testing.T) {
	srv, _ := newTestServer(t)
	if _, err := srv.Service.CreateSession(context.Background(), "sess-1", "mainframe.example", 3270); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := run(t, srv, "destroy sess-1"); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if len(srv.Service.Sessions()) != 0 {
		t.Fatal("session survived destroy")
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestAttachStreamsFrameAndForwardsInput(t *testing.T) {
	srv, mem := newTestServer(t)
	ctx := context.Background()
	if err := srv.Service.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := srv.Service.CreateSession(ctx, "sess-1", "mainframe.example", 3270); err != nil {
		t.Fatalf("create: %v", err)
	}
	in, cancelIn, err := mem.Subscribe(ctx, bus.InputChannel("tn3270", "sess-1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancelIn()

	pr, pw := io.Pipe()
	out := &syncBuffer{}
	attachDone := make(chan error, 1)
	go func() {
		attachDone <- srv.attach(ctx, out, bufio.NewReader(pr), "sess-1")
	}()

	// The attach refresh goes through the session-create reuse path, which
	// re-sends the screen.
	deadline := time.After(5 * time.Second)
	for !strings.Contains(out.String(), "\x1b[2J") {
		select {
		case <-deadline:
			t.Fatalf("no frame streamed, output %q", out.String())
		case <-time.After(5 * time.Millisecond):
		}
	}

	if _, err := pw.Write([]byte("A")); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case raw := <-in:
		msg, err := schema.Parse(raw)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if msg.Type != schema.TypeData || msg.Payload != "A" {
			t.Fatalf("msg = %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("input byte not forwarded")
	}

	if _, err := pw.Write([]byte{detachKey}); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case err := <-attachDone:
		if err != nil {
			t.Fatalf("attach: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("attach did not detach")
	}
	if !strings.Contains(out.String(), "detached") {
		t.Fatalf("out = %q", out.String())
	}
}

func TestExecuteCreatePublishesControlMessage(t *testing.T) {
	srv, mem := newTestServer(t)
	ch, cancel, err := mem.Subscribe(context.Background(), bus.ControlChannel("tn3270"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	out, _, err := run(t, srv, "create other.example:992")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.Contains(out, "session create requested") {
		t.Fatalf("out = %q", out)
	}

	select {
	case raw := <-ch:
		msg, err := schema.Parse(raw)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if msg.Type != schema.TypeSessionCreate {
			t.Fatalf("type = %s", msg.Type)
		}
		meta, ok := msg.Meta.(*schema.SessionCreateMeta)
		if !ok || meta.Target != "other.example:992" {
			t.Fatalf("meta = %#v", msg.Meta)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no control message")
	}
}
