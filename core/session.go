package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tngate/ansi"
	"pkt.systems/tngate/ast"
	"pkt.systems/tngate/host"
	"pkt.systems/tngate/schema"
)

// astBusyMessage is returned verbatim to clients that try to start a second
// AST on a session that already runs one.
const astBusyMessage = "Another AST is already running. Please wait for it to complete, cancel it, or go to the History page to view its status."

const engineRetryDelay = time.Second

// session is one live terminal connection plus its bus plumbing.
type session struct {
	id       schema.SessionID
	hostAddr string
	port     int
	eng      host.Engine
	h        *host.Host
	svc      *Service
	log      pslog.Logger

	createdAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
	runningAST   *ast.Execution

	stopOnce    sync.Once
	stopped     chan struct{}
	unsubscribe func()

	// publishMu keeps screen publishes whole when input handling and the
	// update loop render concurrently.
	publishMu sync.Mutex
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *session) publish(ctx context.Context, msg schema.Message) {
	data, err := schema.Marshal(msg)
	if err != nil {
		s.log.Warn("message marshal failed", "type", msg.Type, "err", err)
		return
	}
	channel := s.svc.outputChannel(s.id)
	if err := s.svc.bus.Publish(ctx, channel, data); err != nil {
		s.log.Warn("publish failed", "channel", channel, "type", msg.Type, "err", err)
	}
}

// sendScreen renders the current snapshot and publishes it.
func (s *session) sendScreen(ctx context.Context) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	frame := ansi.Render(s.h.Snapshot())
	fields := make([]schema.ScreenField, 0, len(frame.Fields))
	for _, f := range frame.Fields {
		fields = append(fields, schema.ScreenField{
			Start:       f.Start,
			End:         f.End,
			Protected:   f.Protected,
			Intensified: f.Intensified,
			Row:         f.Row,
			Col:         f.Col,
			Length:      f.Length,
		})
	}
	s.publish(ctx, schema.NewScreenMessage(s.id, frame.Stream, schema.ScreenMeta{
		Fields:    fields,
		CursorRow: frame.CursorRow,
		CursorCol: frame.CursorCol,
		Rows:      frame.Rows,
		Cols:      frame.Cols,
	}))
	s.publish(ctx, schema.NewCursorMessage(s.id, frame.CursorRow, frame.CursorCol))
}

// updateLoop polls the engine and pushes screen updates until the session is
// destroyed or the connection drops.
func (s *session) updateLoop(ctx context.Context) {
	for {
		select {
		case <-s.stopped:
			return
		case <-ctx.Done():
			return
		default:
		}
		changed, err := s.eng.Wait(ctx, s.svc.cfg.PollInterval)
		if s.eng.ConnectionLost() {
			s.log.Info("terminal connection lost")
			_ = s.svc.DestroySession(ctx, s.id, "connection_lost")
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("update loop error", "err", err)
			select {
			case <-s.stopped:
				return
			case <-ctx.Done():
				return
			case <-time.After(engineRetryDelay):
			}
			continue
		}
		if changed || s.eng.Updated() {
			s.eng.ClearUpdated()
			s.touch()
			s.sendScreen(ctx)
		}
	}
}

// handleInput routes one message from the session's input channel.
func (s *session) handleInput(ctx context.Context, raw []byte) {
	msg, err := schema.Parse(raw)
	if err != nil {
		s.log.Warn("input message rejected", "err", err)
		s.publish(ctx, schema.NewErrorMessage(s.id, schema.CodeParseError, err.Error()))
		return
	}
	switch msg.Type {
	case schema.TypeData:
		s.processData(ctx, msg.Payload)
	case schema.TypePing:
		s.publish(ctx, schema.NewPongMessage(s.id))
	case schema.TypeResize:
		// 3270 geometry is fixed; acknowledge by ignoring.
		s.log.Debug("resize ignored")
	case schema.TypeSessionDestroy:
		_ = s.svc.DestroySession(ctx, s.id, "user_requested")
	case schema.TypeASTRun:
		meta, ok := msg.Meta.(*schema.ASTRunMeta)
		if !ok || meta.ASTName == "" {
			s.publish(ctx, schema.NewErrorMessage(s.id, schema.CodeParseError, "ast.run requires meta.astName"))
			return
		}
		s.svc.spawn(func() { s.runAST(ctx, meta) })
	case schema.TypeASTControl:
		meta, ok := msg.Meta.(*schema.ASTControlMeta)
		if !ok {
			s.publish(ctx, schema.NewErrorMessage(s.id, schema.CodeParseError, "ast.control requires meta.action"))
			return
		}
		s.controlAST(meta.Action)
	default:
		s.log.Debug("input message ignored", "type", msg.Type)
	}
}

// processData walks the payload, resolving escape sequences to key actions
// (longest sequence wins) and typing everything else. Each successful action
// publishes a fresh screen.
func (s *session) processData(ctx context.Context, data string) {
	var text strings.Builder
	flush := func() error {
		if text.Len() == 0 {
			return nil
		}
		err := s.h.Type(text.String())
		text.Reset()
		return err
	}
	fail := func(err error) {
		err = fmt.Errorf("%w: %v", schema.ErrWriteFailed, err)
		s.log.Warn("input dropped", "err", err)
		s.publish(ctx, schema.NewErrorMessage(s.id, schema.CodeTerminalWriteFailed, err.Error()))
	}
	i := 0
	for i < len(data) {
		if b, n, ok := matchKey(data[i:]); ok {
			if err := flush(); err != nil {
				fail(err)
				return
			}
			if err := b.apply(s.h); err != nil {
				fail(err)
				return
			}
			s.log.Trace("key", "name", b.name)
			s.touch()
			s.sendScreen(ctx)
			i += n
			continue
		}
		text.WriteByte(data[i])
		i++
	}
	if text.Len() > 0 {
		if err := flush(); err != nil {
			fail(err)
			return
		}
		s.touch()
		s.sendScreen(ctx)
	}
}

// runAST runs one AST on this session. A session carries at most one running
// AST; further ast.run requests are rejected until it finishes.
func (s *session) runAST(ctx context.Context, meta *schema.ASTRunMeta) {
	rejectWith := func(errText string) {
		s.publish(ctx, schema.NewASTStatusMessage(s.id, schema.ASTStatusMeta{
			ASTName: meta.ASTName,
			Status:  schema.ASTFailed,
			Error:   errText,
		}))
	}

	script, err := s.svc.registry.New(meta.ASTName)
	if err != nil {
		s.log.Warn("ast resolve failed", "ast", meta.ASTName, "err", err)
		rejectWith(err.Error())
		return
	}

	exec := ast.NewExecution(ast.ExecutionConfig{
		Script:    script,
		SessionID: s.id,
		UserID:    ast.StringParam(meta.Params, "username"),
		Recorder:  s.svc.recorder,
		Callbacks: s.astCallbacks(ctx),
		Logger:    s.log,
	})

	if err := s.reserveAST(exec); err != nil {
		s.log.Warn("ast rejected", "ast", meta.ASTName, "err", err)
		s.publish(ctx, schema.NewErrorMessage(s.id, schema.CodeASTAlreadyRunning, astBusyMessage))
		rejectWith(astBusyMessage)
		return
	}
	defer s.releaseAST()

	s.publish(ctx, schema.NewASTStatusMessage(s.id, schema.ASTStatusMeta{
		ASTName: meta.ASTName,
		Status:  schema.ASTRunning,
		Message: fmt.Sprintf("Starting %s...", meta.ASTName),
	}))

	var res ast.Result
	if parallelRequested(meta.Params) {
		workers := parallelWorkers(meta.Params, s.svc.cfg.ASTWorkers)
		res = exec.RunParallel(ctx, s.dialer(), workers, meta.Params)
	} else {
		res = exec.Run(ctx, s.h, meta.Params)
	}

	s.publish(ctx, schema.NewASTStatusMessage(s.id, schema.ASTStatusMeta{
		ASTName:  meta.ASTName,
		Status:   res.Status,
		Message:  res.Message,
		Error:    res.Error,
		Duration: res.Duration(),
		Data:     res.Data,
	}))
	s.sendScreen(ctx)
}

func (s *session) astCallbacks(ctx context.Context) ast.Callbacks {
	return ast.Callbacks{
		OnProgress: func(current, total int, itemID, itemStatus, message string) {
			exec := s.currentAST()
			meta := schema.ASTProgressMeta{
				Current:     current,
				Total:       total,
				CurrentItem: itemID,
				ItemStatus:  itemStatus,
				Message:     message,
			}
			if exec != nil {
				meta.ExecutionID = exec.ID()
				meta.ASTName = exec.Name()
			}
			s.publish(ctx, schema.NewASTProgressMessage(s.id, meta))
		},
		OnItemResult: func(item ast.ItemResult) {
			meta := schema.ASTItemResultMeta{
				ItemID:     item.ItemID,
				Status:     item.Status,
				DurationMs: item.DurationMs,
				Error:      item.Error,
				Data:       item.Data,
			}
			if exec := s.currentAST(); exec != nil {
				meta.ExecutionID = exec.ID()
			}
			s.publish(ctx, schema.NewASTItemResultMessage(s.id, meta))
		},
		OnPauseState: func(paused bool, message string) {
			s.publish(ctx, schema.NewASTPausedMessage(s.id, paused, message))
			status := schema.ASTRunning
			if paused {
				status = schema.ASTPaused
				// Operators adjust the screen manually while paused.
				s.sendScreen(ctx)
			}
			if exec := s.currentAST(); exec != nil && s.svc.recorder != nil {
				if err := s.svc.recorder.UpdateExecution(ctx, s.id, exec.ID(), ast.ExecutionUpdate{Status: status}); err != nil {
					s.log.Warn("execution pause state save failed", "err", err)
				}
			}
		},
	}
}

// reserveAST claims the session's single AST slot.
func (s *session) reserveAST(exec *ast.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runningAST != nil {
		return schema.ErrASTRunning
	}
	s.runningAST = exec
	return nil
}

func (s *session) releaseAST() {
	s.mu.Lock()
	s.runningAST = nil
	s.mu.Unlock()
}

func (s *session) currentAST() *ast.Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningAST
}

func (s *session) controlAST(action schema.ControlAction) {
	exec := s.currentAST()
	if exec == nil {
		s.log.Warn("ast control with no running ast", "action", action)
		return
	}
	switch action {
	case schema.ControlPause:
		exec.Pause()
	case schema.ControlResume:
		exec.Resume()
	case schema.ControlCancel:
		exec.Cancel()
	default:
		s.log.Warn("unknown ast control action", "action", action)
	}
}

// dialer opens extra connections to this session's host for parallel runs.
func (s *session) dialer() ast.Dialer {
	return ast.DialerFunc(func(ctx context.Context) (*host.Host, func() error, error) {
		eng := s.svc.engines.NewEngine(s.id)
		if err := eng.Connect(ctx, s.hostAddr, s.port, s.svc.cfg.Secure); err != nil {
			return nil, nil, err
		}
		return host.New(eng, s.log), eng.Close, nil
	})
}

func parallelRequested(params map[string]any) bool {
	if params == nil {
		return false
	}
	v, ok := params["parallel"].(bool)
	return ok && v
}

func parallelWorkers(params map[string]any, fallback int) int {
	if params != nil {
		switch v := params["parallelWorkers"].(type) {
		case int:
			if v > 0 {
				return v
			}
		case float64:
			if v > 0 {
				return int(v)
			}
		}
	}
	return fallback
}
