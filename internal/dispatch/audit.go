package dispatch

import (
	"context"
	"sync"

	"chatflow/internal/model"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// AuditSink receives one record per dispatch attempt. Implementations must
// never fail the dispatch.
type AuditSink interface {
	Record(ctx context.Context, entry model.EndpointLog)
}

// LogWriter persists endpoint log rows
type LogWriter interface {
	InsertEndpointLog(ctx context.Context, entry model.EndpointLog) error
}

// StoreSink writes audit rows through a LogWriter and only logs write errors.
type StoreSink struct {
	w   LogWriter
	log *zap.Logger
}

func NewStoreSink(w LogWriter, log *zap.Logger) *StoreSink {
	return &StoreSink{w: w, log: log}
}

func (s *StoreSink) Record(ctx context.Context, entry model.EndpointLog) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Audit sink panicked", zap.Any("panic", r))
		}
	}()
	if entry.ID == "" {
		entry.ID = ulid.Make().String()
	}
	if err := s.w.InsertEndpointLog(ctx, entry); err != nil {
		s.log.Warn("Failed to write endpoint log",
			zap.String("endpoint_id", entry.EndpointID),
			zap.Int("attempt", entry.Attempt),
			zap.Error(err),
		)
	}
}

// MemorySink keeps audit rows in memory.
type MemorySink struct {
	mu      sync.Mutex
	entries []model.EndpointLog
}

func (s *MemorySink) Record(_ context.Context, entry model.EndpointLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
}

// Entries returns a copy of the recorded rows.
func (s *MemorySink) Entries() []model.EndpointLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.EndpointLog, len(s.entries))
	copy(out, s.entries)
	return out
}
