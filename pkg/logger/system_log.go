package logger

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	defaultRingCapacity = 1000
	defaultLogPage      = 1
	defaultLogPageSize  = 20
	maxLogPageSize      = 200
)

// LogEntry is one captured log line, with fields already sanitized.
type LogEntry struct {
	ID        int64                  `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Logger    string                 `json:"logger,omitempty"`
	Message   string                 `json:"message"`
	Caller    string                 `json:"caller,omitempty"`
	Stack     string                 `json:"stack,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// LogQuery filters and pages the captured entries. Zero times mean unbounded.
type LogQuery struct {
	Level    string
	Keyword  string
	From     time.Time
	To       time.Time
	Page     int
	PageSize int
}

// RingStore keeps the most recent log entries in a fixed-size ring so the
// admin surface can inspect them without shipping logs anywhere.
type RingStore struct {
	mu    sync.RWMutex
	ring  []LogEntry
	head  int
	size  int
	seq   int64
	floor zapcore.Level
}

// NewRingStore captures entries at or above floor, keeping the newest
// capacity of them.
func NewRingStore(capacity int, floor zapcore.Level) *RingStore {
	if capacity <= 0 {
		capacity = defaultRingCapacity
	}
	return &RingStore{
		ring:  make([]LogEntry, capacity),
		floor: floor,
	}
}

// Attach tees base's output into store. Secret-looking fields are masked
// before they are stored.
func Attach(base *zap.Logger, store *RingStore) *zap.Logger {
	if base == nil || store == nil {
		return base
	}
	return base.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return &captureCore{Core: core, store: store}
	}))
}

// Query returns one page of matching entries, newest first, plus the total
// match count.
func (s *RingStore) Query(q LogQuery) ([]LogEntry, int64) {
	if s == nil {
		return nil, 0
	}

	if q.Page <= 0 {
		q.Page = defaultLogPage
	}
	if q.PageSize <= 0 {
		q.PageSize = defaultLogPageSize
	}
	if q.PageSize > maxLogPageSize {
		q.PageSize = maxLogPageSize
	}
	q.Level = strings.ToLower(strings.TrimSpace(q.Level))
	q.Keyword = strings.ToLower(strings.TrimSpace(q.Keyword))

	var matched []LogEntry
	s.mu.RLock()
	for i := 0; i < s.size; i++ {
		idx := s.head - 1 - i
		if idx < 0 {
			idx += len(s.ring)
		}
		if q.matches(s.ring[idx]) {
			matched = append(matched, s.ring[idx])
		}
	}
	s.mu.RUnlock()

	total := int64(len(matched))
	start := (q.Page - 1) * q.PageSize
	if start >= len(matched) {
		return []LogEntry{}, total
	}
	end := start + q.PageSize
	if end > len(matched) {
		end = len(matched)
	}

	page := make([]LogEntry, 0, end-start)
	for _, entry := range matched[start:end] {
		page = append(page, cloneLogEntry(entry))
	}
	return page, total
}

func (q LogQuery) matches(entry LogEntry) bool {
	if q.Level != "" && !strings.EqualFold(entry.Level, q.Level) {
		return false
	}
	if !q.From.IsZero() && entry.Timestamp.Before(q.From.UTC()) {
		return false
	}
	if !q.To.IsZero() && entry.Timestamp.After(q.To.UTC()) {
		return false
	}
	if q.Keyword == "" {
		return true
	}
	for _, text := range []string{entry.Message, entry.Logger, entry.Caller} {
		if strings.Contains(strings.ToLower(text), q.Keyword) {
			return true
		}
	}
	if len(entry.Fields) > 0 {
		return strings.Contains(strings.ToLower(fmt.Sprintf("%v", entry.Fields)), q.Keyword)
	}
	return false
}

func (s *RingStore) record(entry zapcore.Entry, fields []zapcore.Field) {
	if s == nil || entry.Level < s.floor {
		return
	}

	captured := captureFields(fields)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	s.ring[s.head] = LogEntry{
		ID:        s.seq,
		Timestamp: entry.Time.UTC(),
		Level:     entry.Level.String(),
		Logger:    entry.LoggerName,
		Message:   entry.Message,
		Caller:    entry.Caller.TrimmedPath(),
		Stack:     entry.Stack,
		Fields:    captured,
	}
	s.head = (s.head + 1) % len(s.ring)
	if s.size < len(s.ring) {
		s.size++
	}
}

// captureFields flattens zap fields to a plain map, masking anything whose
// key looks like a credential.
func captureFields(fields []zapcore.Field) map[string]interface{} {
	if len(fields) == 0 {
		return nil
	}

	enc := zapcore.NewMapObjectEncoder()
	for _, field := range fields {
		field.AddTo(enc)
	}
	if len(enc.Fields) == 0 {
		return nil
	}

	out := make(map[string]interface{}, len(enc.Fields))
	for k, v := range enc.Fields {
		out[k] = sanitizeAny(k, v)
	}
	return out
}

func cloneLogEntry(entry LogEntry) LogEntry {
	cloned := entry
	if len(entry.Fields) == 0 {
		return cloned
	}
	fields := make(map[string]interface{}, len(entry.Fields))
	for k, v := range entry.Fields {
		fields[k] = v
	}
	cloned.Fields = fields
	return cloned
}

type captureCore struct {
	zapcore.Core
	store *RingStore
}

func (c *captureCore) With(fields []zapcore.Field) zapcore.Core {
	return &captureCore{Core: c.Core.With(fields), store: c.store}
}

func (c *captureCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Core.Check(entry, nil) == nil {
		return checked
	}
	return checked.AddCore(entry, c)
}

func (c *captureCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	c.store.record(entry, fields)
	return c.Core.Write(entry, fields)
}
