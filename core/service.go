package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tngate/ast"
	"pkt.systems/tngate/bus"
	"pkt.systems/tngate/host"
	"pkt.systems/tngate/internal/logx"
	"pkt.systems/tngate/schema"
	"pkt.systems/tngate/screen3270"
)

// Service owns all live sessions and the bus control channel.
type Service struct {
	cfg      schema.ServiceConfig
	bus      bus.PubSub
	engines  EngineProvider
	registry *ast.Registry
	recorder ast.Recorder
	log      pslog.Logger

	mu       sync.Mutex
	sessions map[schema.SessionID]*session

	runCtx        context.Context
	cancelRun     context.CancelFunc
	cancelControl func()
	wg            sync.WaitGroup
}

// SessionInfo is a point-in-time view of one session for operator tooling.
type SessionInfo struct {
	ID           schema.SessionID
	Target       string
	CreatedAt    time.Time
	LastActivity time.Time
	ASTRunning   bool
}

// NewService constructs the session manager.
func NewService(cfg schema.ServiceConfig, deps ServiceDeps) (*Service, error) {
	normalized, err := schema.NormalizeServiceConfig(cfg)
	if err != nil {
		return nil, err
	}
	if deps.Bus == nil {
		return nil, errors.New("bus is required")
	}
	if deps.Engines == nil {
		return nil, errors.New("engine provider is required")
	}
	if deps.Registry == nil {
		deps.Registry = ast.DefaultRegistry()
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Service{
		cfg:      normalized,
		bus:      deps.Bus,
		engines:  deps.Engines,
		registry: deps.Registry,
		recorder: deps.Recorder,
		log:      logger,
		sessions: make(map[schema.SessionID]*session),
	}, nil
}

// Registry exposes the AST registry for startup validation and tooling.
func (s *Service) Registry() *ast.Registry { return s.registry }

// Start subscribes to the control channel and begins accepting session
// requests. It returns once the subscription is live.
func (s *Service) Start(ctx context.Context) error {
	s.runCtx, s.cancelRun = context.WithCancel(context.WithoutCancel(ctx))
	ch, cancel, err := s.bus.Subscribe(ctx, s.controlChannel())
	if err != nil {
		s.cancelRun()
		return fmt.Errorf("subscribe control channel: %w", err)
	}
	s.cancelControl = cancel
	s.log.Info("session manager started",
		"namespace", s.cfg.Namespace,
		"default_target", fmt.Sprintf("%s:%d", s.cfg.DefaultHost, s.cfg.DefaultPort),
		"max_sessions", s.cfg.MaxSessions,
		"asts", strings.Join(astNames(s.registry), ","))
	s.spawn(func() { s.controlLoop(s.runCtx, ch) })
	return nil
}

// Stop tears down all sessions and waits for background work to finish.
func (s *Service) Stop(ctx context.Context) {
	if s.cancelControl != nil {
		s.cancelControl()
	}
	s.DestroyAll(ctx, "shutdown")
	if s.cancelRun != nil {
		s.cancelRun()
	}
	s.wg.Wait()
	s.log.Info("session manager stopped")
}

func (s *Service) controlLoop(ctx context.Context, ch <-chan []byte) {
	for raw := range ch {
		msg, err := schema.Parse(raw)
		if err != nil {
			s.log.Warn("control message rejected", "err", err)
			continue
		}
		switch msg.Type {
		case schema.TypeSessionCreate:
			s.spawn(func() { s.handleCreate(ctx, msg) })
		default:
			s.log.Debug("control message ignored", "type", msg.Type)
		}
	}
}

// handleCreate serves one session.create request. Connecting happens here, off
// the control loop, so a slow host never blocks other requests.
func (s *Service) handleCreate(ctx context.Context, msg schema.Message) {
	id := msg.SessionID
	if id == "" {
		id = schema.SessionID(newID())
	}
	hostAddr, port := s.cfg.DefaultHost, s.cfg.DefaultPort
	if meta, ok := msg.Meta.(*schema.SessionCreateMeta); ok && meta.Target != "" {
		var err error
		hostAddr, port, err = splitTarget(meta.Target)
		if err != nil {
			s.log.Warn("session create rejected", "session", id, "err", err)
			s.publishError(ctx, id, schema.CodeTerminalConnectionFailed, err.Error())
			return
		}
	}
	if _, err := s.CreateSession(ctx, id, hostAddr, port); err != nil {
		code := schema.CodeTerminalConnectionFailed
		if errors.Is(err, schema.ErrSessionLimit) {
			code = schema.CodeSessionLimitReached
		}
		s.publishError(ctx, id, code, err.Error())
	}
}

// CreateSession connects a new session or re-sends the screen of an existing
// one. The session slot is reserved before connecting so concurrent creates
// for the same id cannot race past the limit.
func (s *Service) CreateSession(ctx context.Context, id schema.SessionID, hostAddr string, port int) (schema.SessionID, error) {
	log := s.log.With("session", id)
	baseCtx := s.runCtx
	if baseCtx == nil {
		baseCtx = context.WithoutCancel(ctx)
	}
	runCtx := logx.ContextWithSessionLogger(baseCtx, log, id)

	s.mu.Lock()
	if existing, ok := s.sessions[id]; ok {
		s.mu.Unlock()
		log.Debug("session exists, resending screen")
		existing.sendScreen(ctx)
		return id, nil
	}
	if len(s.sessions) >= s.cfg.MaxSessions {
		s.mu.Unlock()
		log.Warn("session limit reached", "max_sessions", s.cfg.MaxSessions)
		return "", fmt.Errorf("%w: maximum of %d sessions", schema.ErrSessionLimit, s.cfg.MaxSessions)
	}
	eng := s.engines.NewEngine(id)
	sess := &session{
		id:        id,
		hostAddr:  hostAddr,
		port:      port,
		eng:       eng,
		svc:       s,
		log:       log,
		createdAt: time.Now(),
		stopped:   make(chan struct{}),
	}
	sess.lastActivity = sess.createdAt
	s.sessions[id] = sess
	s.mu.Unlock()

	log.Info("session connecting", "host", hostAddr, "port", port, "secure", s.cfg.Secure)
	if err := eng.Connect(ctx, hostAddr, port, s.cfg.Secure); err != nil {
		s.drop(id)
		_ = eng.Close()
		log.Warn("terminal connect failed", "err", err)
		return "", fmt.Errorf("%w: %v", schema.ErrConnectionFailed, err)
	}
	sess.h = host.New(eng, log)

	inputCh, cancel, err := s.bus.Subscribe(runCtx, s.inputChannel(id))
	if err != nil {
		s.drop(id)
		_ = eng.Close()
		return "", fmt.Errorf("subscribe input channel: %w", err)
	}
	sess.unsubscribe = cancel

	target := fmt.Sprintf("tn3270://%s:%d", hostAddr, port)
	sess.publish(ctx, schema.NewSessionCreatedMessage(id, target))
	log.Info("session created", "target", target)

	// Let the host paint its first screen before the initial push.
	_, _ = eng.Wait(ctx, s.cfg.ConnectWait)
	eng.ClearUpdated()
	sess.sendScreen(ctx)

	s.spawn(func() {
		for raw := range inputCh {
			sess.handleInput(runCtx, raw)
		}
	})
	s.spawn(func() { sess.updateLoop(runCtx) })
	return id, nil
}

// DestroySession tears a session down exactly once: the update loop stops, the
// input subscription is released, the engine closes and session.destroyed is
// published with the reason.
func (s *Service) DestroySession(ctx context.Context, id schema.SessionID, reason string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	sess.stopOnce.Do(func() {
		close(sess.stopped)
		if exec := sess.currentAST(); exec != nil {
			exec.Cancel()
		}
		if sess.unsubscribe != nil {
			sess.unsubscribe()
		}
		if err := sess.eng.Close(); err != nil {
			sess.log.Warn("engine close failed", "err", err)
		}
		sess.publish(ctx, schema.NewSessionDestroyedMessage(id, reason))
		sess.log.Info("session destroyed", "reason", reason)
	})
	return nil
}

// DestroyAll destroys every session with the given reason.
func (s *Service) DestroyAll(ctx context.Context, reason string) {
	s.mu.Lock()
	ids := make([]schema.SessionID, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		_ = s.DestroySession(ctx, id, reason)
	}
}

// Sessions lists the live sessions for operator tooling.
func (s *Service) Sessions() []SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sess.mu.Lock()
		infos = append(infos, SessionInfo{
			ID:           sess.id,
			Target:       fmt.Sprintf("tn3270://%s:%d", sess.hostAddr, sess.port),
			CreatedAt:    sess.createdAt,
			LastActivity: sess.lastActivity,
			ASTRunning:   sess.runningAST != nil,
		})
		sess.mu.Unlock()
	}
	return infos
}

// Screen returns the formatted screen of one session for operator tooling.
// Password-like values are masked.
func (s *Service) Screen(id schema.SessionID) (string, error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", schema.ErrSessionNotFound, id)
	}
	return screen3270.MaskSecrets(sess.h.FormattedScreen(true)), nil
}

func (s *Service) publishError(ctx context.Context, id schema.SessionID, code, details string) {
	msg := schema.NewErrorMessage(id, code, details)
	data, err := schema.Marshal(msg)
	if err != nil {
		s.log.Warn("error message marshal failed", "err", err)
		return
	}
	if err := s.bus.Publish(ctx, s.outputChannel(id), data); err != nil {
		s.log.Warn("error publish failed", "session", id, "err", err)
	}
}

func (s *Service) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *Service) drop(id schema.SessionID) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

func (s *Service) inputChannel(id schema.SessionID) string {
	return bus.InputChannel(s.cfg.Namespace, id)
}

func (s *Service) outputChannel(id schema.SessionID) string {
	return bus.OutputChannel(s.cfg.Namespace, id)
}

func (s *Service) controlChannel() string {
	return bus.ControlChannel(s.cfg.Namespace)
}

// splitTarget parses "host:port" on the last colon so IPv6 hosts keep their
// colons.
func splitTarget(target string) (string, int, error) {
	idx := strings.LastIndex(target, ":")
	if idx <= 0 || idx == len(target)-1 {
		return "", 0, fmt.Errorf("invalid target %q, want host:port", target)
	}
	port, err := strconv.Atoi(target[idx+1:])
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in target %q", target)
	}
	return target[:idx], port, nil
}

func astNames(r *ast.Registry) []string {
	names := r.Names()
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, string(n))
	}
	return out
}
