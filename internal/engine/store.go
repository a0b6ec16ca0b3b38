package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// ArchiveSink receives finalized records for long-term storage.
type ArchiveSink interface {
	Enqueue(ExecutionRecord)
}

// Store is the in-memory record table. Finalized records are appended
// as JSONL when a persistence path is configured, and handed to the
// archive sink when one is attached.
type Store struct {
	mu      sync.RWMutex
	records map[string]*ExecutionRecord

	persistPath string
	persistMu   sync.Mutex // serializes JSONL appends across workers

	archive ArchiveSink
}

// NewStore returns a store. An empty persistPath disables persistence;
// a nil archive disables archiving.
func NewStore(persistPath string, archive ArchiveSink) *Store {
	return &Store{
		records:     make(map[string]*ExecutionRecord),
		persistPath: persistPath,
		archive:     archive,
	}
}

func nowMs() int64 { return time.Now().UnixMilli() }

// Create inserts a fresh queued record and returns a snapshot of it.
func (s *Store) Create(id, tenantID string, req ExecutionRequest, limits ExecutionLimits) ExecutionRecord {
	now := nowMs()
	rec := &ExecutionRecord{
		ID:          id,
		TenantID:    tenantID,
		Status:      StatusQueued,
		Request:     req,
		Limits:      limits,
		Events:      []ExecutionEvent{{TsMs: now, Stage: "queued", Message: "execution accepted"}},
		CreatedAtMs: now,
	}

	s.mu.Lock()
	s.records[id] = rec
	snapshot := *rec
	s.mu.Unlock()
	return snapshot
}

// Get returns a snapshot of the record, if present.
func (s *Store) Get(id string) (ExecutionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return ExecutionRecord{}, false
	}
	return *rec, true
}

// Len reports the number of records held in memory.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// MarkRunning transitions a queued record to running and stamps the
// start time. Any other starting state is left untouched.
func (s *Store) MarkRunning(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.Status != StatusQueued {
		return
	}
	rec.Status = StatusRunning
	rec.StartedAtMs = nowMs()
}

// AppendEvent adds one timeline entry to the record.
func (s *Store) AppendEvent(id, stage, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return
	}
	rec.Events = append(rec.Events, ExecutionEvent{TsMs: nowMs(), Stage: stage, Message: message})
}

// MarkFinished finalizes the record: terminal status, output or error,
// finish timestamp, a "finished" event, then persistence and archive.
// Already-terminal records are left untouched.
func (s *Store) MarkFinished(id string, status ExecutionStatus, output *ExecutionOutput, errMsg string) {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok || rec.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	now := nowMs()
	rec.Status = status
	rec.Output = output
	rec.Error = errMsg
	rec.FinishedAtMs = now
	rec.Events = append(rec.Events, ExecutionEvent{TsMs: now, Stage: "finished", Message: string(status)})
	snapshot := *rec
	s.mu.Unlock()

	if s.persistPath != "" {
		s.persist(snapshot)
	}
	if s.archive != nil {
		s.archive.Enqueue(snapshot)
	}
}

// persist appends one record as a JSON line. Failures are logged and
// swallowed: durability here is best-effort and must never fail a job.
func (s *Store) persist(rec ExecutionRecord) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	line, err := json.Marshal(rec)
	if err != nil {
		slog.LogAttrs(context.Background(), slog.LevelWarn, "failed to encode execution record",
			slog.String("execution_id", rec.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	f, err := os.OpenFile(s.persistPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		slog.LogAttrs(context.Background(), slog.LevelWarn, "failed to open persistence file",
			slog.String("path", s.persistPath),
			slog.String("error", err.Error()),
		)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		slog.LogAttrs(context.Background(), slog.LevelWarn, "failed to persist execution record",
			slog.String("execution_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}
}

// Replay reloads persisted records into the table so lookups survive a
// restart. Queue contents are not reconstructed. Corrupt lines are
// skipped; a later line for the same id wins. Returns the number of
// records loaded.
func (s *Store) Replay() (int, error) {
	if s.persistPath == "" {
		return 0, nil
	}
	f, err := os.Open(s.persistPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open persistence file: %w", err)
	}
	defer f.Close()

	loaded := 0
	sc := bufio.NewScanner(f)
	// Records can carry megabytes of captured output per line.
	sc.Buffer(make([]byte, 0, 64<<10), 16<<20)
	for sc.Scan() {
		line := sc.Bytes()
		// Cheap probe before the full decode weeds out corrupt lines.
		if !gjson.ValidBytes(line) || !gjson.GetBytes(line, "id").Exists() {
			continue
		}
		var rec ExecutionRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		s.mu.Lock()
		s.records[rec.ID] = &rec
		s.mu.Unlock()
		loaded++
	}
	if err := sc.Err(); err != nil {
		return loaded, fmt.Errorf("scan persistence file: %w", err)
	}
	return loaded, nil
}
