package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tello-relay/relay/internal/auth"
	"github.com/tello-relay/relay/internal/command"
	"github.com/tello-relay/relay/internal/config"
)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	cfg := config.Baseline().Audit
	cfg.Dir = filepath.Join(t.TempDir(), "audit")
	l, err := NewLogger(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		entries = append(entries, e)
	}
	require.NoError(t, scanner.Err())
	return entries
}

func TestLogActionWritesJSONLine(t *testing.T) {
	l := newTestLogger(t)

	l.LogAction(context.Background(), command.AuditRecord{
		Caller:  "alice",
		Action:  "send",
		Device:  "AA:BB:CC",
		Params:  map[string]interface{}{"command": "battery?"},
		Outcome: "ok",
		Code:    "OK",
		Latency: 42 * time.Millisecond,
	})

	entries := readEntries(t, l.FilePath())
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "alice", e.Caller)
	assert.Equal(t, "send", e.Action)
	assert.Equal(t, "AA:BB:CC", e.Device)
	assert.Equal(t, "battery?", e.Params["command"])
	assert.Equal(t, "ok", e.Outcome)
	assert.Equal(t, "OK", e.Code)
	assert.Equal(t, int64(42), e.LatencyMs)
	assert.WithinDuration(t, time.Now(), e.Timestamp, 5*time.Second)
}

func TestLogActionCallerFallback(t *testing.T) {
	l := newTestLogger(t)

	ctx := auth.WithClaims(context.Background(), &auth.Claims{Subject: "bob"})
	l.LogAction(ctx, command.AuditRecord{Action: "search", Outcome: "ok", Code: "OK"})
	l.LogAction(context.Background(), command.AuditRecord{Action: "search", Outcome: "ok", Code: "OK"})

	entries := readEntries(t, l.FilePath())
	require.Len(t, entries, 2)
	assert.Equal(t, "bob", entries[0].Caller)
	assert.Equal(t, "unknown", entries[1].Caller)
}

func TestLogActionConcurrent(t *testing.T) {
	l := newTestLogger(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.LogAction(context.Background(), command.AuditRecord{Caller: "c", Action: "send", Outcome: "ok"})
		}()
	}
	wg.Wait()

	assert.Len(t, readEntries(t, l.FilePath()), 50)
}

func TestRotate(t *testing.T) {
	l := newTestLogger(t)
	l.LogAction(context.Background(), command.AuditRecord{Caller: "c", Action: "send", Outcome: "ok"})
	require.NoError(t, l.Rotate())
	l.LogAction(context.Background(), command.AuditRecord{Caller: "c", Action: "search", Outcome: "ok"})

	entries := readEntries(t, l.FilePath())
	require.Len(t, entries, 1)
	assert.Equal(t, "search", entries[0].Action)

	files, err := os.ReadDir(filepath.Dir(l.FilePath()))
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestNewLoggerBadDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	_, err := NewLogger(config.AuditConfig{Dir: filepath.Join(file, "sub")}, nil)
	assert.Error(t, err)
}
