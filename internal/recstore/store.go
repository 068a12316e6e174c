// Package recstore persists AST execution history as one document per
// execution, keyed EXECUTION#<id>, with optional at-rest encryption.
package recstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"pkt.systems/kryptograf"
	"pkt.systems/kryptograf/keymgmt"
	"pkt.systems/pslog"
	"pkt.systems/tngate/ast"
	"pkt.systems/tngate/schema"
)

const (
	keyPrefix      = "EXECUTION#"
	descriptorName = "tngate:records"
)

// ItemDocument is one persisted item result.
type ItemDocument struct {
	ItemID      string         `json:"itemId"`
	Status      string         `json:"status"`
	StartedAt   time.Time      `json:"startedAt"`
	CompletedAt time.Time      `json:"completedAt"`
	DurationMs  int64          `json:"durationMs"`
	Error       string         `json:"error,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// ExecutionDocument is the persisted record of one AST execution.
type ExecutionDocument struct {
	Key          string             `json:"key"`
	SessionID    schema.SessionID   `json:"sessionId"`
	ExecutionID  schema.ExecutionID `json:"executionId"`
	ASTName      schema.ASTName     `json:"astName"`
	UserID       string             `json:"userId"`
	HostUser     string             `json:"hostUser"`
	ItemCount    int                `json:"itemCount"`
	Status       string             `json:"status"`
	Message      string             `json:"message,omitempty"`
	Error        string             `json:"error,omitempty"`
	StartedAt    time.Time          `json:"startedAt"`
	CompletedAt  *time.Time         `json:"completedAt,omitempty"`
	SuccessCount int                `json:"successCount"`
	FailedCount  int                `json:"failedCount"`
	SkippedCount int                `json:"skippedCount"`
	Items        []ItemDocument     `json:"items"`
}

// Store is a file-backed execution record store. Writes are atomic
// (tmp+rename). With encryption enabled, documents are sealed with a data
// key from the kryptograf key store.
type Store struct {
	dir      string
	log      pslog.Logger
	material keymgmt.Material
	root     keymgmt.RootKey
	sealed   bool
}

// NewStore constructs a record store at dir.
func NewStore(dir string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("record directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Store{dir: dir, log: logger.With("record_dir", dir)}, nil
}

// EnableEncryption loads (or initializes) the key store at path and seals
// all further reads and writes with its record data key.
func (s *Store) EnableEncryption(keyStorePath string) error {
	if strings.TrimSpace(keyStorePath) == "" {
		return errors.New("key store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(keyStorePath), 0o700); err != nil {
		return err
	}
	store, err := keymgmt.LoadProto(keyStorePath)
	if err != nil {
		s.log.Warn("record key store load failed", "err", err)
		return err
	}
	root, err := store.EnsureRootKey()
	if err != nil {
		s.log.Warn("record key store load failed", "err", err)
		return err
	}
	material, err := store.EnsureDescriptor(descriptorName, root, []byte(descriptorName))
	if err != nil {
		s.log.Warn("record key material ensure failed", "err", err)
		return err
	}
	if err := store.Commit(); err != nil {
		s.log.Warn("record key store commit failed", "err", err)
		return err
	}
	s.material = material
	s.root = root
	s.sealed = true
	s.log.Info("record encryption enabled", "key_store", keyStorePath)
	return nil
}

// CreateExecution writes the record header for a starting run.
func (s *Store) CreateExecution(ctx context.Context, rec ast.ExecutionRecord) error {
	doc := ExecutionDocument{
		Key:         keyPrefix + string(rec.ExecutionID),
		SessionID:   rec.SessionID,
		ExecutionID: rec.ExecutionID,
		ASTName:     rec.ASTName,
		UserID:      rec.UserID,
		HostUser:    rec.HostUser,
		ItemCount:   rec.ItemCount,
		Status:      string(rec.Status),
		StartedAt:   rec.StartedAt,
	}
	if err := s.write(doc); err != nil {
		s.log.Warn("execution create failed", "execution", rec.ExecutionID, "err", err)
		return err
	}
	s.log.Debug("execution created", "execution", rec.ExecutionID, "ast", rec.ASTName)
	return nil
}

// UpdateExecution applies a status change to an existing record. Counts and
// completion time are only written on final updates (non-zero CompletedAt).
func (s *Store) UpdateExecution(ctx context.Context, sessionID schema.SessionID, id schema.ExecutionID, upd ast.ExecutionUpdate) error {
	doc, err := s.Load(id)
	if err != nil {
		s.log.Warn("execution update failed", "execution", id, "err", err)
		return err
	}
	doc.Status = string(upd.Status)
	if upd.Message != "" {
		doc.Message = upd.Message
	}
	if !upd.CompletedAt.IsZero() {
		completed := upd.CompletedAt
		doc.CompletedAt = &completed
	}
	if upd.Error != "" {
		doc.Error = upd.Error
	} else if !upd.CompletedAt.IsZero() {
		doc.SuccessCount = upd.SuccessCount
		doc.FailedCount = upd.FailedCount
		doc.SkippedCount = upd.SkippedCount
	}
	if err := s.write(doc); err != nil {
		s.log.Warn("execution update failed", "execution", id, "err", err)
		return err
	}
	s.log.Debug("execution updated", "execution", id, "status", doc.Status)
	return nil
}

// PutItemResult appends one item result to an existing record.
func (s *Store) PutItemResult(ctx context.Context, id schema.ExecutionID, item ast.ItemResult) error {
	doc, err := s.Load(id)
	if err != nil {
		s.log.Warn("item result save failed", "execution", id, "item", item.ItemID, "err", err)
		return err
	}
	doc.Items = append(doc.Items, ItemDocument{
		ItemID:      item.ItemID,
		Status:      string(item.Status),
		StartedAt:   item.StartedAt,
		CompletedAt: item.CompletedAt,
		DurationMs:  item.DurationMs,
		Error:       item.Error,
		Data:        item.Data,
	})
	if err := s.write(doc); err != nil {
		s.log.Warn("item result save failed", "execution", id, "item", item.ItemID, "err", err)
		return err
	}
	return nil
}

// Load reads one execution record.
func (s *Store) Load(id schema.ExecutionID) (ExecutionDocument, error) {
	data, err := os.ReadFile(s.pathFor(id))
	if err != nil {
		return ExecutionDocument{}, err
	}
	if s.sealed {
		data, err = s.unseal(data)
		if err != nil {
			return ExecutionDocument{}, err
		}
	}
	var doc ExecutionDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return ExecutionDocument{}, fmt.Errorf("decode execution record: %w", err)
	}
	return doc, nil
}

// List returns all execution records, newest first.
func (s *Store) List() ([]ExecutionDocument, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var docs []ExecutionDocument
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := schema.ExecutionID(strings.TrimSuffix(entry.Name(), ".json"))
		doc, err := s.Load(id)
		if err != nil {
			s.log.Warn("execution record skipped", "file", entry.Name(), "err", err)
			continue
		}
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].StartedAt.After(docs[j].StartedAt) })
	return docs, nil
}

func (s *Store) write(doc ExecutionDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if s.sealed {
		data, err = s.seal(data)
		if err != nil {
			return err
		}
	}
	path := s.pathFor(doc.ExecutionID)
	tmp, err := os.CreateTemp(s.dir, "record-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return nil
}

func (s *Store) seal(plain []byte) ([]byte, error) {
	kg := kryptograf.New(s.root)
	var buf bytes.Buffer
	writer, err := kg.EncryptWriter(&buf, s.material)
	if err != nil {
		return nil, err
	}
	if _, err := writer.Write(plain); err != nil {
		_ = writer.Close()
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Store) unseal(sealed []byte) ([]byte, error) {
	kg := kryptograf.New(s.root)
	reader, err := kg.DecryptReader(bytes.NewReader(sealed), s.material)
	if err != nil {
		return nil, err
	}
	defer func() { _ = reader.Close() }()
	return io.ReadAll(reader)
}

func (s *Store) pathFor(id schema.ExecutionID) string {
	name := sanitize(string(id))
	if name == "" {
		name = "unknown"
	}
	return filepath.Join(s.dir, name+".json")
}

func sanitize(value string) string {
	var b strings.Builder
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('_')
	}
	return b.String()
}
