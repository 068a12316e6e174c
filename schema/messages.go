package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// MessageType discriminates the envelope meta schema.
type MessageType string

const (
	TypeData             MessageType = "data"
	TypeResize           MessageType = "resize"
	TypePing             MessageType = "ping"
	TypePong             MessageType = "pong"
	TypeError            MessageType = "error"
	TypeSessionCreate    MessageType = "session.create"
	TypeSessionDestroy   MessageType = "session.destroy"
	TypeSessionCreated   MessageType = "session.created"
	TypeSessionDestroyed MessageType = "session.destroyed"
	TypeScreen           MessageType = "tn3270.screen"
	TypeCursor           MessageType = "tn3270.cursor"
	TypeASTRun           MessageType = "ast.run"
	TypeASTControl       MessageType = "ast.control"
	TypeASTStatus        MessageType = "ast.status"
	TypeASTProgress      MessageType = "ast.progress"
	TypeASTItemResult    MessageType = "ast.item_result"
	TypeASTPaused        MessageType = "ast.paused"
)

// Message is the envelope carried on every bus channel. Meta holds a typed
// meta struct selected by Type, or nil.
type Message struct {
	SessionID SessionID   `json:"sessionId"`
	Type      MessageType `json:"type"`
	Payload   string      `json:"payload"`
	Meta      any         `json:"meta"`
	Timestamp int64       `json:"timestamp"`
	Encoding  string      `json:"encoding"`
	Seq       *int64      `json:"seq"`
}

// ScreenField describes one field of a screen update.
type ScreenField struct {
	Start       int  `json:"start"`
	End         int  `json:"end"`
	Protected   bool `json:"protected"`
	Intensified bool `json:"intensified"`
	Row         int  `json:"row"`
	Col         int  `json:"col"`
	Length      int  `json:"length"`
}

// ErrorMeta carries the machine-readable error class and detail.
type ErrorMeta struct {
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

// ResizeMeta carries a client resize request. The 3270 geometry is fixed, so
// the gateway acknowledges and ignores it.
type ResizeMeta struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// SessionCreateMeta carries optional connection parameters. Target holds a
// "host:port" override for the terminal connection.
type SessionCreateMeta struct {
	Target string            `json:"shell,omitempty"`
	Cols   int               `json:"cols,omitempty"`
	Rows   int               `json:"rows,omitempty"`
	Env    map[string]string `json:"env,omitempty"`
	Cwd    string            `json:"cwd,omitempty"`
}

// SessionCreatedMeta confirms the connected target.
type SessionCreatedMeta struct {
	Target string `json:"shell"`
	PID    int    `json:"pid"`
}

// SessionDestroyedMeta carries optional teardown detail.
type SessionDestroyedMeta struct {
	ExitCode *int   `json:"exitCode,omitempty"`
	Signal   string `json:"signal,omitempty"`
}

// ScreenMeta accompanies a rendered screen payload.
type ScreenMeta struct {
	Fields    []ScreenField `json:"fields"`
	CursorRow int           `json:"cursorRow"`
	CursorCol int           `json:"cursorCol"`
	Rows      int           `json:"rows"`
	Cols      int           `json:"cols"`
}

// CursorMeta carries a cursor position update.
type CursorMeta struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// ASTRunMeta requests an AST run.
type ASTRunMeta struct {
	ASTName ASTName        `json:"astName"`
	Params  map[string]any `json:"params,omitempty"`
}

// ASTControlMeta carries a pause/resume/cancel command.
type ASTControlMeta struct {
	Action ControlAction `json:"action"`
}

// ASTStatusMeta reports the overall execution status.
type ASTStatusMeta struct {
	ASTName  ASTName        `json:"astName"`
	Status   ASTStatus      `json:"status"`
	Message  string         `json:"message,omitempty"`
	Error    string         `json:"error,omitempty"`
	Duration float64        `json:"duration,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// ASTProgressMeta reports per-item progress.
type ASTProgressMeta struct {
	ExecutionID ExecutionID `json:"executionId"`
	ASTName     ASTName     `json:"astName"`
	Current     int         `json:"current"`
	Total       int         `json:"total"`
	Percent     int         `json:"percent"`
	CurrentItem string      `json:"currentItem,omitempty"`
	ItemStatus  string      `json:"itemStatus,omitempty"`
	Message     string      `json:"message,omitempty"`
}

// ASTItemResultMeta reports the outcome of one item.
type ASTItemResultMeta struct {
	ExecutionID ExecutionID    `json:"executionId"`
	ItemID      string         `json:"itemId"`
	Status      ItemStatus     `json:"status"`
	DurationMs  int64          `json:"durationMs,omitempty"`
	Error       string         `json:"error,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// ASTPausedMeta reports a pause state change.
type ASTPausedMeta struct {
	Paused  bool   `json:"paused"`
	Message string `json:"message,omitempty"`
}

// Marshal serializes a message to its wire form.
func Marshal(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// Parse decodes a wire message, resolving Meta into the typed struct for the
// message type. Unknown types fail with ErrUnknownMessageType.
func Parse(raw []byte) (Message, error) {
	var aux struct {
		SessionID SessionID       `json:"sessionId"`
		Type      MessageType     `json:"type"`
		Payload   string          `json:"payload"`
		Meta      json.RawMessage `json:"meta"`
		Timestamp int64           `json:"timestamp"`
		Encoding  string          `json:"encoding"`
		Seq       *int64          `json:"seq"`
	}
	if err := json.Unmarshal(raw, &aux); err != nil {
		return Message{}, fmt.Errorf("parse message: %w", err)
	}
	msg := Message{
		SessionID: aux.SessionID,
		Type:      aux.Type,
		Payload:   aux.Payload,
		Timestamp: aux.Timestamp,
		Encoding:  aux.Encoding,
		Seq:       aux.Seq,
	}
	meta, err := metaTarget(aux.Type)
	if err != nil {
		return Message{}, err
	}
	if meta != nil && len(aux.Meta) > 0 && string(aux.Meta) != "null" {
		if err := json.Unmarshal(aux.Meta, meta); err != nil {
			return Message{}, fmt.Errorf("parse %s meta: %w", aux.Type, err)
		}
		msg.Meta = meta
	}
	return msg, nil
}

func metaTarget(t MessageType) (any, error) {
	switch t {
	case TypeData, TypePing, TypePong, TypeSessionDestroy:
		return nil, nil
	case TypeResize:
		return &ResizeMeta{}, nil
	case TypeError:
		return &ErrorMeta{}, nil
	case TypeSessionCreate:
		return &SessionCreateMeta{}, nil
	case TypeSessionCreated:
		return &SessionCreatedMeta{}, nil
	case TypeSessionDestroyed:
		return &SessionDestroyedMeta{}, nil
	case TypeScreen:
		return &ScreenMeta{}, nil
	case TypeCursor:
		return &CursorMeta{}, nil
	case TypeASTRun:
		return &ASTRunMeta{}, nil
	case TypeASTControl:
		return &ASTControlMeta{}, nil
	case TypeASTStatus:
		return &ASTStatusMeta{}, nil
	case TypeASTProgress:
		return &ASTProgressMeta{}, nil
	case TypeASTItemResult:
		return &ASTItemResultMeta{}, nil
	case TypeASTPaused:
		return &ASTPausedMeta{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, t)
	}
}

func newMessage(sessionID SessionID, t MessageType, payload string, meta any) Message {
	return Message{
		SessionID: sessionID,
		Type:      t,
		Payload:   payload,
		Meta:      meta,
		Timestamp: time.Now().UnixMilli(),
		Encoding:  "utf8",
	}
}

// NewDataMessage wraps raw keystroke or output data.
func NewDataMessage(sessionID SessionID, payload string) Message {
	return newMessage(sessionID, TypeData, payload, nil)
}

// NewPongMessage answers a ping.
func NewPongMessage(sessionID SessionID) Message {
	return newMessage(sessionID, TypePong, "", nil)
}

// NewErrorMessage reports a failure to the session's output channel.
func NewErrorMessage(sessionID SessionID, code, details string) Message {
	return newMessage(sessionID, TypeError, details, &ErrorMeta{Code: code, Details: details})
}

// NewSessionCreatedMessage confirms a session connected to target.
func NewSessionCreatedMessage(sessionID SessionID, target string) Message {
	return newMessage(sessionID, TypeSessionCreated, "", &SessionCreatedMeta{Target: target})
}

// NewSessionDestroyedMessage confirms a session teardown with its reason.
func NewSessionDestroyedMessage(sessionID SessionID, reason string) Message {
	return newMessage(sessionID, TypeSessionDestroyed, reason, &SessionDestroyedMeta{})
}

// NewScreenMessage wraps a rendered screen and its field table.
func NewScreenMessage(sessionID SessionID, stream string, meta ScreenMeta) Message {
	return newMessage(sessionID, TypeScreen, stream, &meta)
}

// NewCursorMessage reports a cursor move.
func NewCursorMessage(sessionID SessionID, row, col int) Message {
	return newMessage(sessionID, TypeCursor, "", &CursorMeta{Row: row, Col: col})
}

// NewASTStatusMessage reports execution status.
func NewASTStatusMessage(sessionID SessionID, meta ASTStatusMeta) Message {
	return newMessage(sessionID, TypeASTStatus, meta.Message, &meta)
}

// NewASTProgressMessage reports per-item progress. Percent is derived from
// current and total.
func NewASTProgressMessage(sessionID SessionID, meta ASTProgressMeta) Message {
	meta.Percent = ProgressPercent(meta.Current, meta.Total)
	payload := meta.Message
	if payload == "" {
		payload = fmt.Sprintf("Processing %d/%d", meta.Current, meta.Total)
	}
	return newMessage(sessionID, TypeASTProgress, payload, &meta)
}

// NewASTItemResultMessage reports one item outcome.
func NewASTItemResultMessage(sessionID SessionID, meta ASTItemResultMeta) Message {
	return newMessage(sessionID, TypeASTItemResult, meta.ItemID, &meta)
}

// NewASTPausedMessage reports a pause state change.
func NewASTPausedMessage(sessionID SessionID, paused bool, message string) Message {
	payload := message
	if payload == "" {
		if paused {
			payload = "Paused"
		} else {
			payload = "Resumed"
		}
	}
	return newMessage(sessionID, TypeASTPaused, payload, &ASTPausedMeta{Paused: paused, Message: message})
}

// ProgressPercent rounds current/total to a whole percentage. A zero total
// yields 0.
func ProgressPercent(current, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(current) / float64(total) * 100))
}
