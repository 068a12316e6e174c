// Package s3270 adapts an external s3270 process to the gateway's terminal
// engine interface. Commands go to the process on stdin; each reply is zero
// or more "data:" lines, a status line and an ok/error verdict.
package s3270

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tngate/host"
	"pkt.systems/tngate/schema"
	"pkt.systems/tngate/screen3270"
)

// Config controls how the s3270 process is invoked.
type Config struct {
	BinaryPath string
	ExtraArgs  []string
	// Model is the negotiated terminal model. The default matches the
	// gateway's fixed 80x43 geometry.
	Model  string
	Logger pslog.Logger
}

const defaultModel = "3278-4-E"

// Engine drives one s3270 process from Connect until Close. Commands are
// serialized on ioMu; state lives behind mu so Close can interrupt a blocked
// read by killing the process.
type Engine struct {
	cfg Config
	log pslog.Logger

	// ioMu serializes the write-command/read-reply exchange.
	ioMu  sync.Mutex
	stdin io.WriteCloser
	out   *bufio.Scanner

	mu        sync.Mutex
	cmd       *exec.Cmd
	connected bool
	closed    bool
	lost      bool
	updated   bool
	kbdLocked bool
	snap      screen3270.Snapshot
}

// New constructs an unconnected engine.
func New(cfg Config) *Engine {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = "s3270"
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Engine{
		cfg:  cfg,
		log:  logger,
		snap: emptySnapshot(),
	}
}

func emptySnapshot() screen3270.Snapshot {
	size := schema.ScreenRows * schema.ScreenCols
	return screen3270.Snapshot{
		Rows:      schema.ScreenRows,
		Cols:      schema.ScreenCols,
		Content:   make([]byte, size),
		FieldAttr: make([]byte, size),
		FG:        make([]byte, size),
		BG:        make([]byte, size),
		Highlight: make([]byte, size),
	}
}

// Connect starts the s3270 process and opens the terminal connection.
func (e *Engine) Connect(ctx context.Context, hostAddr string, port int, secure bool) error {
	if err := e.start(); err != nil {
		return err
	}
	target := net.JoinHostPort(hostAddr, strconv.Itoa(port))
	prefix := "B:"
	if secure {
		prefix = "L:"
	}
	done := make(chan error, 1)
	go func() {
		_, _, err := e.command(fmt.Sprintf("Connect(%s%s)", prefix, target))
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			_ = e.Close()
			return fmt.Errorf("connect %s: %w", target, err)
		}
	case <-ctx.Done():
		_ = e.Close()
		return ctx.Err()
	}
	e.mu.Lock()
	e.connected = true
	e.mu.Unlock()
	e.log.Debug("terminal connected", "target", target, "secure", secure)
	return nil
}

func (e *Engine) start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd != nil {
		return errors.New("engine already started")
	}
	args := append([]string{"-utf8", "-model", e.cfg.Model}, e.cfg.ExtraArgs...)
	cmd := exec.Command(e.cfg.BinaryPath, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", e.cfg.BinaryPath, err)
	}
	e.cmd = cmd
	e.stdin = stdin
	e.out = bufio.NewScanner(stdout)
	e.out.Buffer(make([]byte, 64*1024), 1024*1024)
	e.log.Debug("s3270 started", "pid", cmd.Process.Pid, "args", args)
	return nil
}

// Close terminates the s3270 process. Killing the process unblocks any
// in-flight command read. Safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.connected = false
	cmd := e.cmd
	stdin := e.stdin
	e.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		waited := make(chan struct{})
		go func() {
			_ = cmd.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-time.After(2 * time.Second):
			_ = cmd.Process.Kill()
			<-waited
		}
	}
	return nil
}

// ConnectionLost reports whether the host connection has dropped.
func (e *Engine) ConnectionLost() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lost
}

// Updated reports whether the screen changed since ClearUpdated.
func (e *Engine) Updated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.updated
}

// ClearUpdated resets the update flag.
func (e *Engine) ClearUpdated() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.updated = false
}

// KeyboardLocked reports the keyboard state from the last status line.
func (e *Engine) KeyboardLocked() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.kbdLocked
}

// Snapshot reads the current buffer planes. On read failure the last good
// snapshot is returned.
func (e *Engine) Snapshot() screen3270.Snapshot {
	e.mu.Lock()
	connected := e.connected && !e.lost
	e.mu.Unlock()
	if connected {
		if err := e.refresh(); err != nil {
			e.log.Warn("screen read failed", "err", err)
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneSnapshot(e.snap)
}

func cloneSnapshot(s screen3270.Snapshot) screen3270.Snapshot {
	out := s
	out.Content = append([]byte(nil), s.Content...)
	out.FieldAttr = append([]byte(nil), s.FieldAttr...)
	out.FG = append([]byte(nil), s.FG...)
	out.BG = append([]byte(nil), s.BG...)
	out.Highlight = append([]byte(nil), s.Highlight...)
	return out
}

// Wait blocks until the host delivers output or the timeout elapses. A
// timeout is not an error; a lost connection is.
func (e *Engine) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	secs := timeout.Seconds()
	if secs < 0.1 {
		secs = 0.1
	}
	lines, _, err := e.command(fmt.Sprintf("Wait(%.3f,Output)", secs))
	if err != nil {
		if isTimeout(lines) {
			return false, nil
		}
		if e.ConnectionLost() {
			return false, fmt.Errorf("%w: %v", schema.ErrConnectionLost, err)
		}
		return false, err
	}
	if err := e.refresh(); err != nil {
		return false, err
	}
	e.mu.Lock()
	e.updated = true
	e.mu.Unlock()
	return true, nil
}

func isTimeout(lines []string) bool {
	for _, line := range lines {
		if strings.Contains(strings.ToLower(line), "timed out") {
			return true
		}
	}
	return false
}

// Key sends one named key action.
func (e *Engine) Key(k host.Key) error {
	action, ok := keyActions[k]
	if !ok {
		return fmt.Errorf("unsupported key %q", k)
	}
	_, _, err := e.command(action)
	return err
}

var keyActions = map[host.Key]string{
	host.KeyEnter:      "Enter()",
	host.KeyClear:      "Clear()",
	host.KeyAttn:       "Attn()",
	host.KeyHome:       "Home()",
	host.KeyFieldEnd:   "FieldEnd()",
	host.KeyTab:        "Tab()",
	host.KeyBackTab:    "BackTab()",
	host.KeyBackspace:  "BackSpace()",
	host.KeyDelete:     "Delete()",
	host.KeyEraseEOF:   "EraseEOF()",
	host.KeyEraseInput: "EraseInput()",
	host.KeyUp:         "Up()",
	host.KeyDown:       "Down()",
	host.KeyLeft:       "Left()",
	host.KeyRight:      "Right()",
}

// PF sends a program function key.
func (e *Engine) PF(n int) error {
	_, _, err := e.command(fmt.Sprintf("PF(%d)", n))
	return err
}

// PA sends a program attention key.
func (e *Engine) PA(n int) error {
	_, _, err := e.command(fmt.Sprintf("PA(%d)", n))
	return err
}

// Type sends text at the cursor position.
func (e *Engine) Type(text string) error {
	_, _, err := e.command(fmt.Sprintf(`String("%s")`, escapeString(text)))
	return err
}

func escapeString(text string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(text)
}

// MoveCursor positions the cursor at (row, col), 0-indexed.
func (e *Engine) MoveCursor(row, col int) error {
	_, _, err := e.command(fmt.Sprintf("MoveCursor(%d,%d)", row, col))
	return err
}

// MoveCursorToAddress positions the cursor at a linear buffer address.
func (e *Engine) MoveCursorToAddress(addr int) error {
	cols := e.snapCols()
	return e.MoveCursor(addr/cols, addr%cols)
}

func (e *Engine) snapCols() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.snap.Cols > 0 {
		return e.snap.Cols
	}
	return schema.ScreenCols
}

// refresh reads the buffer planes and cursor into the cached snapshot.
func (e *Engine) refresh() error {
	lines, st, err := e.command("ReadBuffer(Ebcdic)")
	if err != nil {
		return err
	}
	rows, cols := st.rows, st.cols
	if rows <= 0 || cols <= 0 {
		rows, cols = schema.ScreenRows, schema.ScreenCols
	}
	snap := parseReadBuffer(lines, rows, cols)
	snap.Cursor = st.cursorRow*cols + st.cursorCol
	e.mu.Lock()
	e.snap = snap
	e.mu.Unlock()
	return nil
}

// command writes one command and reads its reply. Replies end with "ok" or
// "error"; the line before that is the emulator status line.
func (e *Engine) command(cmd string) ([]string, status, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, status{}, errors.New("engine closed")
	}
	if e.lost {
		e.mu.Unlock()
		return nil, status{}, schema.ErrConnectionLost
	}
	if e.stdin == nil {
		e.mu.Unlock()
		return nil, status{}, errors.New("engine not started")
	}
	e.mu.Unlock()

	e.ioMu.Lock()
	defer e.ioMu.Unlock()
	if _, err := io.WriteString(e.stdin, cmd+"\n"); err != nil {
		e.markLost(err)
		return nil, status{}, fmt.Errorf("%w: %v", schema.ErrConnectionLost, err)
	}
	var data []string
	var st status
	for {
		if !e.out.Scan() {
			err := e.out.Err()
			if err == nil {
				err = io.EOF
			}
			e.markLost(err)
			return data, status{}, fmt.Errorf("%w: %v", schema.ErrConnectionLost, err)
		}
		line := e.out.Text()
		switch {
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		case line == "ok":
			e.applyStatus(st)
			return data, st, nil
		case line == "error":
			e.applyStatus(st)
			return data, st, fmt.Errorf("s3270 %s: %s", firstWord(cmd), strings.Join(data, "; "))
		default:
			parsed, err := parseStatus(line)
			if err != nil {
				e.log.Warn("unrecognized s3270 line", "line", line)
				continue
			}
			st = parsed
		}
	}
}

func (e *Engine) markLost(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if !e.lost {
		e.lost = true
		e.connected = false
		e.log.Warn("s3270 stream lost", "err", err)
	}
}

func (e *Engine) applyStatus(st status) {
	if !st.valid {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.kbdLocked = st.keyboard != 'U'
	if e.connected && !st.connected && !e.closed {
		if !e.lost {
			e.lost = true
			e.connected = false
			e.log.Warn("host disconnected")
		}
	}
}

func firstWord(cmd string) string {
	if idx := strings.IndexByte(cmd, '('); idx > 0 {
		return cmd[:idx]
	}
	return cmd
}
