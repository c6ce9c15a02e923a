// Package notify carries non-blocking user-facing signals out of the
// request pipeline. The transport and stream layers report rate
// limits, permission errors, and job completions here instead of
// failing the request; the dashboard glue decides how to surface them.
package notify

import (
	"log/slog"
	"sync"

	"edgegate/internal/model"
)

// Notifier receives UX-level signals. Implementations must not block:
// a slow sink would stall the request path these calls are made from.
type Notifier interface {
	// RateLimited reports a 429 for the given path.
	RateLimited(path string)

	// Forbidden reports a 403 for the given path.
	Forbidden(path string)

	// Warning reports a recoverable problem (malformed stream batch,
	// CSRF acquisition failure).
	Warning(msg string)

	// StreamError reports a live-channel setup problem.
	StreamError(msg string)

	// JobFinished reports a job reaching a terminal status.
	JobFinished(update model.JobUpdate)
}

// Log is a Notifier that writes signals to a slog.Logger.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a slog-backed Notifier.
func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger.With("component", "notify")}
}

func (l *Log) RateLimited(path string) {
	l.logger.Warn("rate limited", "path", path)
}

func (l *Log) Forbidden(path string) {
	l.logger.Warn("permission denied", "path", path)
}

func (l *Log) Warning(msg string) {
	l.logger.Warn(msg)
}

func (l *Log) StreamError(msg string) {
	l.logger.Error("stream error", "msg", msg)
}

func (l *Log) JobFinished(update model.JobUpdate) {
	if update.Status == model.JobFailed {
		l.logger.Warn("job failed", "id", update.ID, "type", update.Type, "error", update.Error)
		return
	}
	l.logger.Info("job finished", "id", update.ID, "type", update.Type, "status", update.Status)
}

// Recorder is a Notifier for tests. It records every signal.
type Recorder struct {
	mu sync.Mutex

	RateLimits []string
	Forbiddens []string
	Warnings   []string
	StreamErrs []string
	Jobs       []model.JobUpdate
}

func (r *Recorder) RateLimited(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.RateLimits = append(r.RateLimits, path)
}

func (r *Recorder) Forbidden(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Forbiddens = append(r.Forbiddens, path)
}

func (r *Recorder) Warning(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Warnings = append(r.Warnings, msg)
}

func (r *Recorder) StreamError(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.StreamErrs = append(r.StreamErrs, msg)
}

func (r *Recorder) JobFinished(update model.JobUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Jobs = append(r.Jobs, update)
}

// WarningCount returns the number of recorded warnings.
func (r *Recorder) WarningCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Warnings)
}

// FinishedJobs returns a snapshot of the recorded job completions.
func (r *Recorder) FinishedJobs() []model.JobUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.JobUpdate, len(r.Jobs))
	copy(out, r.Jobs)
	return out
}
