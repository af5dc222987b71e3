// Package worker manages the embedded Asynq task worker.
//
// The worker runs as a goroutine inside the PocketBase process, connecting
// to Redis for persistent async task processing. It is used for work that
// is safe to run out-of-band of any live session; the only task it handles
// is audit-log retention. Per-session idle reaping lives in
// internal/health instead, since it must observe in-process session state
// directly rather than round-trip through a queue.
package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
	"github.com/pocketbase/pocketbase/core"
	"github.com/rs/zerolog/log"
)

const (
	// TaskPruneAuditLogs deletes audit_logs rows older than the configured
	// retention window, at most 500 rows per run.
	TaskPruneAuditLogs = "audit:prune"
)

// PruneAuditLogsPayload is the task payload for TaskPruneAuditLogs.
type PruneAuditLogsPayload struct {
	RetentionDays int `json:"retention_days"`
}

// ─── Worker ──────────────────────────────────────────────

// Worker manages the Asynq server and a shared client for enqueuing tasks.
type Worker struct {
	server *asynq.Server
	client *asynq.Client
	app    core.App // PocketBase app for DB access inside task handlers
}

// New creates a Worker with an Asynq server and a shared client.
// app is the PocketBase core.App used for audit_logs access inside task
// handlers. Call Start() to begin processing and Shutdown() to stop.
func New(app core.App, redisAddr string) *Worker {
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	opt := asynq.RedisClientOpt{Addr: redisAddr}

	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: 4,
		Queues: map[string]int{
			"default": 1,
		},
	})

	client := asynq.NewClient(opt)

	return &Worker{
		server: srv,
		client: client,
		app:    app,
	}
}

// Start begins processing tasks in a background goroutine.
// This should be called only once during the application lifecycle.
func (w *Worker) Start() {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskPruneAuditLogs, w.handlePruneAuditLogs)

	go func() {
		if err := w.server.Run(mux); err != nil {
			log.Error().Err(err).Msg("asynq worker stopped")
		}
	}()
}

// Client returns the shared Asynq client for enqueuing tasks.
func (w *Worker) Client() *asynq.Client {
	return w.client
}

// EnqueuePruneAuditLogs schedules an audit-log retention sweep to run after delay.
func (w *Worker) EnqueuePruneAuditLogs(retentionDays int, delay time.Duration) error {
	payload, err := json.Marshal(PruneAuditLogsPayload{RetentionDays: retentionDays})
	if err != nil {
		return err
	}
	_, err = w.client.Enqueue(asynq.NewTask(TaskPruneAuditLogs, payload), asynq.ProcessIn(delay))
	return err
}

// Shutdown gracefully stops the worker and closes the client connection.
func (w *Worker) Shutdown() {
	w.server.Shutdown()
	_ = w.client.Close()
}

// ─── Task Handlers ───────────────────────────────────────

func (w *Worker) handlePruneAuditLogs(_ context.Context, t *asynq.Task) error {
	var p PruneAuditLogsPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		log.Error().Err(err).Msg("handlePruneAuditLogs: bad payload")
		return err
	}
	if p.RetentionDays <= 0 {
		p.RetentionDays = 90
	}

	cutoff := time.Now().AddDate(0, 0, -p.RetentionDays).Format("2006-01-02 15:04:05")
	records, err := w.app.FindRecordsByFilter(
		"audit_logs",
		"created < {:cutoff}",
		"-created",
		500,
		0,
		map[string]any{"cutoff": cutoff},
	)
	if err != nil {
		log.Error().Err(err).Msg("handlePruneAuditLogs: query failed")
		return err
	}

	for _, rec := range records {
		if err := w.app.Delete(rec); err != nil {
			log.Error().Err(err).Str("record", rec.Id).Msg("handlePruneAuditLogs: delete failed")
		}
	}
	log.Info().Int("deleted", len(records)).Msg("audit log retention sweep complete")
	return nil
}
