package recstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/tngate/ast"
	"pkt.systems/tngate/schema"
)

func testRecord(id schema.ExecutionID) ast.ExecutionRecord {
	return ast.ExecutionRecord{
		SessionID:   "sess1",
		ExecutionID: id,
		ASTName:     "login",
		UserID:      "user1",
		HostUser:    "TSO001",
		ItemCount:   2,
		Status:      schema.ASTRunning,
		StartedAt:   time.Now().UTC(),
	}
}

func TestRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	id := schema.ExecutionID("exec01")

	if err := store.CreateExecution(ctx, testRecord(id)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.PutItemResult(ctx, id, ast.ItemResult{
		ItemID:     "A00000001",
		Status:     schema.ItemSuccess,
		DurationMs: 1200,
		Data:       map[string]any{"status": "active"},
	}); err != nil {
		t.Fatalf("put item: %v", err)
	}
	if err := store.UpdateExecution(ctx, "sess1", id, ast.ExecutionUpdate{
		Status:       schema.ASTSuccess,
		Message:      "Processed 2 items (1 success, 1 failed, 0 skipped)",
		CompletedAt:  time.Now().UTC(),
		SuccessCount: 1,
		FailedCount:  1,
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	doc, err := store.Load(id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if doc.Key != "EXECUTION#exec01" {
		t.Fatalf("key = %q", doc.Key)
	}
	if doc.Status != "success" || doc.SuccessCount != 1 || doc.FailedCount != 1 {
		t.Fatalf("doc = %+v", doc)
	}
	if len(doc.Items) != 1 || doc.Items[0].ItemID != "A00000001" {
		t.Fatalf("items = %+v", doc.Items)
	}
	if doc.CompletedAt == nil {
		t.Fatal("completedAt missing")
	}
}

func TestUpdateWithErrorSkipsCounts(t *testing.T) {
	store, err := NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	id := schema.ExecutionID("exec02")
	if err := store.CreateExecution(ctx, testRecord(id)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.UpdateExecution(ctx, "sess1", id, ast.ExecutionUpdate{
		Status:      schema.ASTFailed,
		Message:     "Error during execution",
		Error:       "connection lost",
		CompletedAt: time.Now(),
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	doc, err := store.Load(id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if doc.Error != "connection lost" {
		t.Fatalf("error = %q", doc.Error)
	}
	if doc.SuccessCount != 0 {
		t.Fatalf("counts set on error update: %+v", doc)
	}
}

func TestList(t *testing.T) {
	store, err := NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	older := testRecord("older")
	older.StartedAt = time.Now().Add(-time.Hour)
	newer := testRecord("newer")
	if err := store.CreateExecution(ctx, older); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.CreateExecution(ctx, newer); err != nil {
		t.Fatalf("create: %v", err)
	}

	docs, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("docs = %d", len(docs))
	}
	if docs[0].ExecutionID != "newer" {
		t.Fatalf("order = %s, %s", docs[0].ExecutionID, docs[1].ExecutionID)
	}
}

func TestEncryptedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "records"), nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.EnableEncryption(filepath.Join(dir, "keys", "records.pb")); err != nil {
		t.Fatalf("enable encryption: %v", err)
	}
	ctx := context.Background()
	id := schema.ExecutionID("exec03")
	if err := store.CreateExecution(ctx, testRecord(id)); err != nil {
		t.Fatalf("create: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "records", "exec03.json"))
	if err != nil {
		t.Fatalf("read raw: %v", err)
	}
	if strings.Contains(string(raw), "EXECUTION#") {
		t.Fatal("record stored in plaintext despite encryption")
	}

	doc, err := store.Load(id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if doc.ExecutionID != id {
		t.Fatalf("doc = %+v", doc)
	}
}

func TestLoadMissing(t *testing.T) {
	store, err := NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := store.Load("absent"); !os.IsNotExist(err) {
		t.Fatalf("error = %v", err)
	}
}
