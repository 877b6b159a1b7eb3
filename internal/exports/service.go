// -----------------------------------------------------------------------
// Export service - scheduling export jobs and generating dump files
// -----------------------------------------------------------------------

package exports

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scrutor/internal/cache"
	"github.com/ternarybob/scrutor/internal/common"
	"github.com/ternarybob/scrutor/internal/engine"
	"github.com/ternarybob/scrutor/internal/models"
	"github.com/ternarybob/scrutor/internal/queue"
)

// Service owns export orchestration. The server side schedules export jobs
// when a query with an export intent reaches its terminal state; the worker
// side assembles the full result and writes the file.
type Service struct {
	store    *cache.Cache
	manager  *queue.Manager
	registry *Registry
	dir      string
	timeout  int
	logger   arbor.ILogger
}

// NewService wires the export service.
func NewService(store *cache.Cache, manager *queue.Manager, registry *Registry, cfg *common.Config, logger arbor.ILogger) *Service {
	return &Service{
		store:    store,
		manager:  manager,
		registry: registry,
		dir:      cfg.Exports.Dir,
		timeout:  cfg.Query.UploadTimeoutSeconds,
		logger:   logger,
	}
}

// RegisterWork binds the export work function for worker processes.
func (s *Service) RegisterWork(reg *queue.Registry) error {
	return reg.RegisterWork(models.JobKindExport, s.run)
}

// Schedule creates the export record and enqueues the export job. The
// final primary job has already finished when this runs, so the dependency
// only guards against a race with its registry write.
func (s *Service) Schedule(ctx context.Context, msg *models.QueryProgress) error {
	intent := msg.ToExport
	if intent == nil {
		return nil
	}
	user, room := intent.User, intent.Room
	if user == "" {
		user = msg.User
	}
	if room == "" {
		room = msg.Room
	}

	rec := &Record{
		ID:       uuid.NewString(),
		User:     user,
		Room:     room,
		FirstJob: msg.FirstJob,
		Format:   intent.Format,
		Status:   StatusQueued,
	}
	if err := s.registry.Save(rec); err != nil {
		return err
	}

	job := models.NewJob("export-"+rec.ID, models.JobKindExport, models.QueueExports, map[string]interface{}{
		"export_id": rec.ID,
		"first_job": msg.FirstJob,
		"user":      user,
		"room":      room,
		"format":    intent.Format,
	})
	job.DependsOn = msg.Job
	job.OnFailure = "failure"
	job.TimeoutSeconds = s.timeout

	if _, _, err := s.manager.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("failed to enqueue export %s: %w", rec.ID, err)
	}

	payload := map[string]interface{}{
		"action":    models.ActionStartedExport,
		"status":    models.StatusAccepted,
		"user":      user,
		"room":      room,
		"first_job": msg.FirstJob,
		"export":    rec.ID,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := s.store.PublishProgress(ctx, data); err != nil {
		s.logger.Warn().Err(err).Str("export", rec.ID).Msg("Failed to announce export start")
	}

	s.logger.Info().
		Str("export", rec.ID).
		Str("first_job", msg.FirstJob).
		Str("user", user).
		Msg("Export scheduled")
	return nil
}

// run is the worker-side job: assemble the full hydrated result from the
// registry, write the dump file and publish completion.
func (s *Service) run(ctx context.Context, job *models.Job) (interface{}, error) {
	exportID, ok := job.GetArgString("export_id")
	if !ok {
		return nil, fmt.Errorf("export job %s carries no export_id", job.ID)
	}
	firstJob, _ := job.GetArgString("first_job")

	rec, err := s.registry.Get(exportID)
	if err != nil {
		return nil, err
	}
	rec.Status = StatusRunning
	if err := s.registry.Save(rec); err != nil {
		return nil, err
	}

	asm, err := engine.AssembleFull(ctx, s.store, firstJob)
	if err != nil {
		s.fail(rec, err)
		return nil, err
	}

	path, lines, err := s.writeDump(exportID, asm)
	if err != nil {
		s.fail(rec, err)
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		s.fail(rec, err)
		return nil, err
	}

	rec.Status = StatusComplete
	rec.Path = path
	rec.Bytes = info.Size()
	rec.Lines = lines
	now := time.Now().UTC()
	rec.CompletedAt = &now
	if err := s.registry.Save(rec); err != nil {
		return nil, err
	}

	payload := map[string]interface{}{
		"action":    models.ActionExportDone,
		"status":    models.StatusFinished,
		"user":      rec.User,
		"room":      rec.Room,
		"first_job": rec.FirstJob,
		"export":    rec.ID,
		"path":      filepath.Base(path),
		"lines":     lines,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if err := s.store.PublishProgress(ctx, data); err != nil {
		s.logger.Warn().Err(err).Str("export", rec.ID).Msg("Failed to announce export completion")
	}

	s.logger.Info().
		Str("export", rec.ID).
		Str("path", path).
		Int("lines", lines).
		Int64("bytes", rec.Bytes).
		Msg("Export written")

	return map[string]interface{}{"export": rec.ID, "path": path, "lines": lines}, nil
}

// writeDump streams the assembled result into a TSV file.
func (s *Service) writeDump(exportID string, asm *engine.Assembly) (string, int, error) {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return "", 0, fmt.Errorf("failed to create export directory: %w", err)
	}
	path := filepath.Join(s.dir, exportID+".tsv")

	f, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create export file: %w", err)
	}
	defer f.Close()

	sets, _ := asm.Result.Descriptor()
	w := NewDumpWriter(f)
	if err := w.Begin(sets); err != nil {
		return "", 0, err
	}

	lines := 0
	for _, key := range asm.Result.BucketKeys() {
		for _, line := range asm.Result.Lines(key) {
			if err := w.Write(key, line); err != nil {
				return "", 0, err
			}
			lines++
		}
	}
	if err := w.End(); err != nil {
		return "", 0, err
	}
	return path, lines, nil
}

func (s *Service) fail(rec *Record, cause error) {
	rec.Status = StatusFailed
	rec.Error = cause.Error()
	if err := s.registry.Save(rec); err != nil {
		s.logger.Warn().Err(err).Str("export", rec.ID).Msg("Failed to record export failure")
	}
}
