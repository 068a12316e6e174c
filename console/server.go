// Package console exposes an SSH operator console: list live sessions,
// inspect screens and attach a terminal directly to a session's bus channels.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"time"

	gliderssh "github.com/gliderlabs/ssh"
	"golang.org/x/crypto/ssh"

	"pkt.systems/pslog"
	"pkt.systems/tngate/bus"
	"pkt.systems/tngate/core"
	"pkt.systems/tngate/schema"
)

// detachKey drops an attached console back to the command prompt (Ctrl-]).
const detachKey = 0x1d

// Server is the SSH operator console.
type Server struct {
	Addr        string
	HostKeyPath string
	// AuthorizedKeysPath lists operator public keys. With no keys on disk
	// any key is accepted; meant for lab use only.
	AuthorizedKeysPath string
	Listener           net.Listener
	Service            *core.Service
	Bus                bus.PubSub
	Namespace          string
	Logger             pslog.Logger

	authorized []ssh.PublicKey
}

// ListenAndServe starts the console and shuts down on context cancellation.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.Logger == nil {
		s.Logger = pslog.Ctx(ctx)
	}
	if s.Service == nil || s.Bus == nil {
		return errors.New("console requires the session service and bus")
	}
	signer, err := EnsureHostKey(s.HostKeyPath)
	if err != nil {
		return err
	}
	s.authorized, err = LoadAuthorizedKeys(s.AuthorizedKeysPath)
	if err != nil {
		return err
	}
	if len(s.authorized) == 0 {
		s.Logger.Warn("console accepts any ssh key", "authorized_keys", s.AuthorizedKeysPath)
	}

	server := &gliderssh.Server{
		Addr:             s.Addr,
		Handler:          s.handleSession,
		PublicKeyHandler: s.handlePublicKey,
	}
	server.AddHostKey(signer)

	errCh := make(chan error, 1)
	go func() {
		if s.Listener != nil {
			errCh <- server.Serve(s.Listener)
			return
		}
		errCh <- server.ListenAndServe()
	}()
	s.Logger.Info("console listening", "addr", s.Addr)

	select {
	case <-ctx.Done():
		_ = server.Close()
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handlePublicKey(ctx gliderssh.Context, key gliderssh.PublicKey) bool {
	fingerprint := ssh.FingerprintSHA256(key)
	log := s.Logger.With("user", ctx.User(), "fingerprint", fingerprint)
	if len(s.authorized) == 0 {
		log.Warn("console login without key check")
		return true
	}
	for _, candidate := range s.authorized {
		if gliderssh.KeysEqual(candidate, key) {
			log.Info("console login")
			return true
		}
	}
	log.Warn("console login rejected")
	return false
}

func (s *Server) handleSession(sess gliderssh.Session) {
	log := s.Logger.With("user", sess.User(), "remote", sess.RemoteAddr().String())
	log.Info("console session opened")
	defer log.Info("console session closed")

	fmt.Fprintf(sess, "tngate console. Type help for commands.\r\n")
	reader := bufio.NewReader(sess)
	for {
		fmt.Fprintf(sess, "tngate> ")
		line, err := readLine(sess, reader)
		if err != nil {
			return
		}
		done, err := s.execute(sess.Context(), sess, reader, line)
		if err != nil {
			fmt.Fprintf(sess, "error: %v\r\n", err)
		}
		if done {
			return
		}
	}
}

// readLine reads one command line, echoing input. SSH sessions without a pty
// deliver raw bytes, so line editing is minimal: backspace and enter.
func readLine(w io.Writer, r *bufio.Reader) (string, error) {
	var b strings.Builder
	for {
		c, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		switch c {
		case '\r', '\n':
			fmt.Fprintf(w, "\r\n")
			return strings.TrimSpace(b.String()), nil
		case 0x7f, 0x08:
			if b.Len() > 0 {
				current := b.String()
				b.Reset()
				b.WriteString(current[:len(current)-1])
				fmt.Fprintf(w, "\b \b")
			}
		case 0x03, 0x04:
			return "", io.EOF
		default:
			if c >= 0x20 {
				b.WriteByte(c)
				fmt.Fprintf(w, "%c", c)
			}
		}
	}
}

// execute runs one console command. It returns true when the session should
// end.
func (s *Server) execute(ctx context.Context, rw io.ReadWriter, reader *bufio.Reader, line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	switch fields[0] {
	case "help", "?":
		fmt.Fprintf(rw, "commands:\r\n")
		fmt.Fprintf(rw, "  list                 list live sessions\r\n")
		fmt.Fprintf(rw, "  screen <id>          print a session's screen\r\n")
		fmt.Fprintf(rw, "  attach <id>          attach terminal to a session (Ctrl-] detaches)\r\n")
		fmt.Fprintf(rw, "  create [host:port]   create a session\r\n")
		fmt.Fprintf(rw, "  destroy <id>         destroy a session\r\n")
		fmt.Fprintf(rw, "  exit                 leave the console\r\n")
		return false, nil
	case "exit", "quit":
		return true, nil
	case "list", "ls":
		s.writeSessionList(rw)
		return false, nil
	case "screen":
		if len(fields) < 2 {
			return false, errors.New("usage: screen <id>")
		}
		screen, err := s.Service.Screen(schema.SessionID(fields[1]))
		if err != nil {
			return false, err
		}
		fmt.Fprintf(rw, "%s\r\n", strings.ReplaceAll(screen, "\n", "\r\n"))
		return false, nil
	case "create":
		return false, s.createSession(ctx, rw, fields)
	case "destroy":
		if len(fields) < 2 {
			return false, errors.New("usage: destroy <id>")
		}
		return false, s.Service.DestroySession(ctx, schema.SessionID(fields[1]), "user_requested")
	case "attach":
		if len(fields) < 2 {
			return false, errors.New("usage: attach <id>")
		}
		return false, s.attach(ctx, rw, reader, schema.SessionID(fields[1]))
	default:
		return false, fmt.Errorf("unknown command %q", fields[0])
	}
}

func (s *Server) writeSessionList(w io.Writer) {
	infos := s.Service.Sessions()
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.Before(infos[j].CreatedAt) })
	if len(infos) == 0 {
		fmt.Fprintf(w, "no sessions\r\n")
		return
	}
	fmt.Fprintf(w, "%-18s %-34s %-8s %s\r\n", "ID", "TARGET", "AST", "IDLE")
	for _, info := range infos {
		astState := "-"
		if info.ASTRunning {
			astState = "running"
		}
		idle := time.Since(info.LastActivity).Round(time.Second)
		fmt.Fprintf(w, "%-18s %-34s %-8s %s\r\n", info.ID, info.Target, astState, idle)
	}
}

func (s *Server) createSession(ctx context.Context, w io.Writer, fields []string) error {
	msg := schema.Message{
		Type:      schema.TypeSessionCreate,
		Timestamp: time.Now().UnixMilli(),
		Encoding:  "utf8",
	}
	if len(fields) > 1 {
		msg.Meta = &schema.SessionCreateMeta{Target: fields[1]}
	}
	data, err := schema.Marshal(msg)
	if err != nil {
		return err
	}
	if err := s.Bus.Publish(ctx, bus.ControlChannel(s.Namespace), data); err != nil {
		return err
	}
	fmt.Fprintf(w, "session create requested\r\n")
	return nil
}

// attach streams rendered screens from the session's output channel to the
// client and forwards client bytes as terminal input, until Ctrl-].
func (s *Server) attach(ctx context.Context, w io.Writer, reader *bufio.Reader, id schema.SessionID) error {
	if _, err := s.Service.Screen(id); err != nil {
		return err
	}
	attachCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	out, unsubscribe, err := s.Bus.Subscribe(attachCtx, bus.OutputChannel(s.Namespace, id))
	if err != nil {
		return err
	}
	defer unsubscribe()

	fmt.Fprintf(w, "attached to %s, Ctrl-] detaches\r\n", id)
	go func() {
		for raw := range out {
			msg, err := schema.Parse(raw)
			if err != nil {
				continue
			}
			switch msg.Type {
			case schema.TypeScreen:
				_, _ = io.WriteString(w, msg.Payload)
			case schema.TypeSessionDestroyed:
				fmt.Fprintf(w, "\r\nsession destroyed (%s)\r\n", msg.Payload)
				cancel()
				return
			}
		}
	}()

	// A create for an existing session re-sends its screen; that gives the
	// new viewer a fresh frame.
	refresh, err := schema.Marshal(schema.Message{
		SessionID: id,
		Type:      schema.TypeSessionCreate,
		Timestamp: time.Now().UnixMilli(),
		Encoding:  "utf8",
	})
	if err == nil {
		_ = s.Bus.Publish(attachCtx, bus.ControlChannel(s.Namespace), refresh)
	}

	buf := make([]byte, 0, 64)
	for {
		select {
		case <-attachCtx.Done():
			return nil
		default:
		}
		c, err := reader.ReadByte()
		if err != nil {
			return nil
		}
		if c == detachKey {
			fmt.Fprintf(w, "\r\ndetached\r\n")
			return nil
		}
		buf = append(buf[:0], c)
		for reader.Buffered() > 0 {
			next, err := reader.ReadByte()
			if err != nil {
				break
			}
			if next == detachKey {
				fmt.Fprintf(w, "\r\ndetached\r\n")
				return nil
			}
			buf = append(buf, next)
		}
		data, err := schema.Marshal(schema.NewDataMessage(id, string(buf)))
		if err != nil {
			continue
		}
		if err := s.Bus.Publish(attachCtx, bus.InputChannel(s.Namespace, id), data); err != nil {
			s.Logger.Warn("console input publish failed", "session", id, "err", err)
		}
	}
}
