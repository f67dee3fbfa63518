package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tello-relay/relay/internal/auth"
	"github.com/tello-relay/relay/internal/command"
	"github.com/tello-relay/relay/internal/config"
)

// FileName is the audit trail's file name inside the configured directory.
const FileName = "audit.jsonl"

// Entry is a single audit line.
type Entry struct {
	Timestamp time.Time              `json:"ts"`
	Caller    string                 `json:"caller"`
	Device    string                 `json:"device,omitempty"`
	Action    string                 `json:"action"`
	Params    map[string]interface{} `json:"params,omitempty"`
	Outcome   string                 `json:"outcome"`
	Code      string                 `json:"code"`
	LatencyMs int64                  `json:"latencyMs"`
}

// Logger appends audit entries to a rotating JSONL file.
type Logger struct {
	mu       sync.Mutex
	filePath string
	out      *lumberjack.Logger
	logger   *zap.Logger
}

var _ command.AuditLogger = (*Logger)(nil)

// NewLogger opens the audit trail under cfg.Dir.
func NewLogger(cfg config.AuditConfig, logger *zap.Logger) (*Logger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	filePath := filepath.Join(cfg.Dir, FileName)
	return &Logger{
		filePath: filePath,
		out: &lumberjack.Logger{
			Filename:   filePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		},
		logger: logger.Named("audit"),
	}, nil
}

// LogAction records one decision. When the record carries no caller the
// identity authenticated on ctx is used.
func (l *Logger) LogAction(ctx context.Context, rec command.AuditRecord) {
	caller := rec.Caller
	if caller == "" {
		caller = auth.CallerID(ctx)
	}
	if caller == "" {
		caller = "unknown"
	}

	l.write(Entry{
		Timestamp: time.Now().UTC(),
		Caller:    caller,
		Device:    rec.Device,
		Action:    rec.Action,
		Params:    rec.Params,
		Outcome:   rec.Outcome,
		Code:      rec.Code,
		LatencyMs: rec.Latency.Milliseconds(),
	})
}

func (l *Logger) write(entry Entry) {
	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Error("Failed to marshal audit entry", zap.Error(err))
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.out.Write(append(data, '\n')); err != nil {
		l.logger.Error("Failed to write audit entry", zap.Error(err))
	}
}

// FilePath returns the path of the active audit file.
func (l *Logger) FilePath() string {
	return l.filePath
}

// Rotate starts a new audit file, keeping the old one as a backup.
func (l *Logger) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out.Rotate()
}

// Close closes the audit file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out.Close()
}
