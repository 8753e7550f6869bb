package patternproc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/taskcore/internal/coretypes"
)

var bucketPatternSchedules = []byte("pattern_schedules")

// scheduleConfig is the persisted shape of one cron-driven pattern
// re-submission. Splitter/Aggregator are not serializable (they're
// interfaces bound to code, not data), so a restored schedule always
// re-processes with the package defaults; callers needing a non-default
// Splitter/Aggregator on a schedule should call AddSchedule again after
// restart with the same name to overwrite it.
type scheduleConfig struct {
	Name     string `json:"name"`
	CronExpr string `json:"cron_expr"`
	FnID     string `json:"fn_id"`
	Input    []byte `json:"input"`
	Timeout  int64  `json:"timeout_ms"`
}

// Scheduler drives periodic re-submission of a named Pattern via cron,
// persisting schedules to a BoltDB handle so they survive restart.
// Grounded in scheduler.go's Scheduler (cron.New(cron.WithSeconds()),
// bucketSchedules persistence, RestoreSchedules on startup), simplified
// to drop the event-driven trigger half (the spec has no analogous
// event-bus concept) and generalized from workflow names to pattern
// schedule names.
type Scheduler struct {
	cron *cron.Cron
	proc *Processor
	db   *bbolt.DB // nil: schedules are in-memory only, not persisted

	mu      sync.Mutex
	entries map[string]cron.EntryID

	runs, failures metric.Int64Counter
}

// NewScheduler builds a Scheduler. db may be nil, in which case
// schedules do not survive a restart (ephemeral checkpoint store mode).
func NewScheduler(proc *Processor, db *bbolt.DB, meter metric.Meter) *Scheduler {
	runs, _ := meter.Int64Counter("taskcore_patternproc_schedule_runs_total")
	failures, _ := meter.Int64Counter("taskcore_patternproc_schedule_failures_total")

	return &Scheduler{
		cron:     cron.New(cron.WithSeconds()),
		proc:     proc,
		db:       db,
		entries:  make(map[string]cron.EntryID),
		runs:     runs,
		failures: failures,
	}
}

func (s *Scheduler) Start() { s.cron.Start() }

func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddSchedule registers name to re-process pattern on cronExpr (six-field,
// seconds-resolution), persisting the schedule if a BoltDB handle was
// supplied. Re-adding an existing name replaces its entry.
func (s *Scheduler) AddSchedule(ctx context.Context, name, cronExpr string, pattern Pattern, timeout time.Duration) error {
	s.mu.Lock()
	if old, ok := s.entries[name]; ok {
		s.cron.Remove(old)
		delete(s.entries, name)
	}
	s.mu.Unlock()

	entryID, err := s.cron.AddFunc(cronExpr, func() {
		s.runOnce(context.Background(), name, pattern, timeout)
	})
	if err != nil {
		return fmt.Errorf("patternproc: add schedule %s: %w", name, err)
	}

	s.mu.Lock()
	s.entries[name] = entryID
	s.mu.Unlock()

	if s.db != nil {
		cfg := scheduleConfig{Name: name, CronExpr: cronExpr, FnID: string(pattern.FnID), Input: pattern.Input, Timeout: int64(timeout / time.Millisecond)}
		if err := s.persist(cfg); err != nil {
			return fmt.Errorf("patternproc: persist schedule %s: %w", name, err)
		}
	}

	slog.Info("patternproc: schedule added", "name", name, "cron", cronExpr)
	return nil
}

// RemoveSchedule unregisters name from cron and, if persisted, from
// the BoltDB bucket.
func (s *Scheduler) RemoveSchedule(name string) error {
	s.mu.Lock()
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
	s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPatternSchedules)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(name))
	})
}

func (s *Scheduler) persist(cfg scheduleConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketPatternSchedules)
		if err != nil {
			return err
		}
		return b.Put([]byte(cfg.Name), data)
	})
}

// ListSchedules returns every persisted schedule. Empty if schedules
// are not being persisted (no BoltDB handle).
func (s *Scheduler) ListSchedules() ([]scheduleConfig, error) {
	if s.db == nil {
		return nil, nil
	}
	var out []scheduleConfig
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPatternSchedules)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var cfg scheduleConfig
			if err := json.Unmarshal(v, &cfg); err != nil {
				return nil // skip corrupt entries, don't fail restore
			}
			out = append(out, cfg)
			return nil
		})
	})
	return out, err
}

// RestoreSchedules re-registers every persisted schedule with cron,
// called once at startup after NewScheduler, mirroring
// scheduler.go's RestoreSchedules.
func (s *Scheduler) RestoreSchedules(ctx context.Context) error {
	cfgs, err := s.ListSchedules()
	if err != nil {
		return fmt.Errorf("patternproc: list schedules: %w", err)
	}
	restored, failed := 0, 0
	for _, cfg := range cfgs {
		pattern := Pattern{FnID: coretypes.FnID(cfg.FnID), Input: cfg.Input}
		timeout := time.Duration(cfg.Timeout) * time.Millisecond
		if err := s.AddSchedule(ctx, cfg.Name, cfg.CronExpr, pattern, timeout); err != nil {
			slog.Error("patternproc: failed to restore schedule", "name", cfg.Name, "error", err)
			failed++
			continue
		}
		restored++
	}
	slog.Info("patternproc: schedules restored", "restored", restored, "failed", failed)
	return nil
}

func (s *Scheduler) runOnce(ctx context.Context, name string, pattern Pattern, timeout time.Duration) {
	opts := ProcessOptions{}
	if timeout > 0 {
		opts.Timeout = timeout
	}

	job, err := s.proc.Process(ctx, pattern, opts)
	if err != nil {
		slog.Error("patternproc: scheduled process failed to place", "name", name, "error", err)
		s.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("schedule", name)))
		return
	}

	result, err := job.Wait(ctx)
	if err != nil || result.Err != nil {
		slog.Error("patternproc: scheduled job failed", "name", name, "error", err, "result_error", result.Err)
		s.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("schedule", name)))
		return
	}

	s.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("schedule", name)))
	slog.Info("patternproc: scheduled job completed", "name", name, "job", job.Handle)
}
