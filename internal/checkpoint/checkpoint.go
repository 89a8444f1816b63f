// Package checkpoint periodically serializes live session state to
// disk so a crashed process can recover at most a few seconds of
// progress, and scans that same directory on startup to reconcile
// orphaned sessions left behind by the previous crash.
package checkpoint

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/haivemind/core/internal/common/config"
	"github.com/haivemind/core/internal/common/logger"
	"github.com/haivemind/core/internal/domain"
)

// Service flushes every tracked session's latest checkpoint on a fixed
// interval, and recovers orphaned checkpoints left by a prior crash.
type Service struct {
	log            *logger.Logger
	dir            string
	interruptedDir string
	interval       time.Duration

	mu      sync.Mutex
	tracked map[string]*domain.Checkpoint
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New constructs a Service rooted at cfg.Checkpoint.Dir, with an
// "interrupted" directory as its sibling per spec.md §6's persisted
// layout (`.haivemind/checkpoints` and `.haivemind/interrupted` share
// a parent).
func New(cfg *config.Config, log *logger.Logger) (*Service, error) {
	dir := cfg.Checkpoint.Dir
	interruptedDir := filepath.Join(filepath.Dir(dir), "interrupted")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(interruptedDir, 0o755); err != nil {
		return nil, err
	}

	interval := cfg.Checkpoint.Interval()
	if interval <= 0 {
		interval = 10 * time.Second
	}

	return &Service{
		log:            log,
		dir:            dir,
		interruptedDir: interruptedDir,
		interval:       interval,
		tracked:        make(map[string]*domain.Checkpoint),
		stopCh:         make(chan struct{}),
	}, nil
}

func (s *Service) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".json")
}

func (s *Service) interruptedPath(sessionID string) string {
	return filepath.Join(s.interruptedDir, sessionID+".json")
}

// Update replaces the in-memory checkpoint snapshot the timer will
// write for sessionID on its next tick. It does not itself touch disk.
func (s *Service) Update(sessionID string, cp *domain.Checkpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracked[sessionID] = cp
}

// Remove stops tracking sessionID and deletes its checkpoint file. The
// Session Service calls it when a session finalizes as completed; a
// session finalized as failed keeps its checkpoint file.
func (s *Service) Remove(sessionID string) error {
	s.mu.Lock()
	delete(s.tracked, sessionID)
	s.mu.Unlock()

	err := os.Remove(s.path(sessionID))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// Start begins the periodic flush timer. Start is idempotent; calling
// it twice is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)
}

func (s *Service) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.flushAll()
		case <-ctx.Done():
			s.flushAll()
			return
		case <-s.stopCh:
			s.flushAll()
			return
		}
	}
}

// Stop halts the timer and performs one final synchronous flush, per
// spec.md §4.6's "on process shutdown, flush once more synchronously."
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		s.flushAll()
		return
	}
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
}

// Checkpoints returns a snapshot of every currently tracked checkpoint,
// for the "GET /api/checkpoints" inspection endpoint.
func (s *Service) Checkpoints() []*domain.Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Checkpoint, 0, len(s.tracked))
	for _, cp := range s.tracked {
		out = append(out, cp)
	}
	return out
}

// ListInterrupted returns every interrupted-session record currently
// persisted on disk, for the "GET /api/interrupted-sessions" endpoint.
func (s *Service) ListInterrupted() ([]*InterruptedSession, error) {
	entries, err := os.ReadDir(s.interruptedDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []*InterruptedSession
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.interruptedDir, entry.Name()))
		if err != nil {
			continue
		}
		var rec InterruptedSession
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		out = append(out, &rec)
	}
	return out, nil
}

// DiscardInterrupted removes an interrupted session's on-disk record,
// for the "POST /api/interrupted-sessions/:id/discard" endpoint.
func (s *Service) DiscardInterrupted(sessionID string) error {
	err := os.Remove(s.interruptedPath(sessionID))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *Service) flushAll() {
	s.mu.Lock()
	snapshot := make(map[string]*domain.Checkpoint, len(s.tracked))
	for id, cp := range s.tracked {
		snapshot[id] = cp
	}
	s.mu.Unlock()

	for id, cp := range snapshot {
		if err := s.writeAtomic(s.path(id), cp); err != nil {
			s.log.Warn("checkpoint flush failed", zap.String("session_id", id), zap.Error(err))
		}
	}
}

func (s *Service) writeAtomic(path string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// InterruptedSession is the on-disk record a recovered orphan produces.
type InterruptedSession struct {
	SessionID       string                `json:"sessionId"`
	ProjectSlug     string                `json:"projectSlug"`
	Status          domain.SessionStatus  `json:"status"`
	IncompleteTasks []string              `json:"incompleteTasks"`
	CompletedTasks  []string              `json:"completedTasks"`
	Timeline        []domain.TimelineEntry `json:"timeline"`
	RecoveredAt     time.Time             `json:"recoveredAt"`
}

// Recover scans the checkpoint directory for files left behind by a
// prior process, per spec.md §4.6. finalized identifies session IDs
// the workspace store already has recorded as completed or failed;
// those checkpoints are stale leftovers from a clean shutdown race and
// are skipped rather than treated as crashes. Every other checkpoint
// file becomes an InterruptedSession persisted under the interrupted
// directory. Files that fail to parse are treated as "not yet
// recovered" and are logged and skipped, per spec.md §5's "readers tolerate
// partial files."
func (s *Service) Recover(finalized map[string]bool) ([]*InterruptedSession, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var recovered []*InterruptedSession
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		sessionID := entry.Name()[:len(entry.Name())-len(".json")]
		if finalized[sessionID] {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			s.log.Warn("checkpoint recovery read failed", zap.String("file", entry.Name()), zap.Error(err))
			continue
		}

		var cp domain.Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			s.log.Warn("checkpoint recovery skipped unparseable file", zap.String("file", entry.Name()))
			continue
		}

		record := interruptedFrom(&cp)
		if err := s.writeAtomic(s.interruptedPath(cp.SessionID), record); err != nil {
			s.log.Warn("failed to persist interrupted session", zap.String("session_id", cp.SessionID), zap.Error(err))
			continue
		}
		recovered = append(recovered, record)
	}

	return recovered, nil
}

func interruptedFrom(cp *domain.Checkpoint) *InterruptedSession {
	var incomplete, completed []string
	for _, task := range cp.Plan.Tasks {
		if task.Status == domain.TaskDone {
			completed = append(completed, task.TaskID)
		} else {
			incomplete = append(incomplete, task.TaskID)
		}
	}
	return &InterruptedSession{
		SessionID:       cp.SessionID,
		ProjectSlug:     cp.ProjectSlug,
		Status:          domain.SessionInterrupted,
		IncompleteTasks: incomplete,
		CompletedTasks:  completed,
		Timeline:        cp.Timeline,
		RecoveredAt:     time.Now().UTC(),
	}
}
