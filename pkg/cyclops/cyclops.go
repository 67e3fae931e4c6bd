// Package cyclops implements the background reconciliation loop: it
// wakes on minute boundaries and walks a persisted schedule, acting on
// any entry due at the current tick. Grounded on the teacher's
// goroutine-per-subserver pattern (pkg/server/server.go), run as one of
// the daemon's SubServers.
package cyclops

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/vlad-pbr/kiwi/pkg/apperror"
)

// ScheduleEntry is one persisted reconcile action: a named action due at
// a minute-granularity time, identified so individual entries can be
// added, inspected, or removed.
type ScheduleEntry struct {
	ID     string    `json:"id"`
	Action string    `json:"action"`
	DueAt  time.Time `json:"due_at"`
	Done   bool      `json:"done"`
}

// Action is invoked once for each entry due at a tick. The reconcile
// action itself is intentionally a thin seam: concrete actions (module
// auto-update, manifest refresh) plug in here.
type Action func(ctx context.Context, entry ScheduleEntry) error

// Cyclops is the scheduled reconciler sub-server.
type Cyclops struct {
	SchedulePath string
	Logger       *slog.Logger
	Act          Action
}

// New builds a Cyclops reading/writing its schedule at schedulePath.
func New(schedulePath string, logger *slog.Logger, act Action) *Cyclops {
	return &Cyclops{SchedulePath: schedulePath, Logger: logger, Act: act}
}

// Name implements daemon.SubServer.
func (c *Cyclops) Name() string { return "cyclops" }

// Run implements daemon.SubServer: it ensures the schedule file exists,
// then ticks once per minute boundary until ctx is cancelled. Each
// tick's deadline is recomputed from time.Now() rather than the
// previous deadline plus a fixed interval, so a slow tick (GC pause,
// scheduler contention) cannot accumulate drift across ticks.
func (c *Cyclops) Run(ctx context.Context) error {
	if err := c.ensureScheduleFile(); err != nil {
		return err
	}

	for {
		wait := timeUntilNextMinute(time.Now())
		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			c.tick(ctx)
		}
	}
}

// timeUntilNextMinute returns the duration from now until the start of
// the next minute.
func timeUntilNextMinute(now time.Time) time.Duration {
	next := now.Truncate(time.Minute).Add(time.Minute)
	return next.Sub(now)
}

func (c *Cyclops) tick(ctx context.Context) {
	entries, err := c.readSchedule()
	if err != nil {
		c.Logger.Error("reading schedule", "error", err)
		return
	}

	now := time.Now()
	changed := false
	for i, e := range entries {
		if e.Done || e.DueAt.After(now) {
			continue
		}
		if c.Act != nil {
			if err := c.Act(ctx, e); err != nil {
				c.Logger.Error("reconcile action failed", "id", e.ID, "action", e.Action, "error", err)
				continue
			}
		}
		entries[i].Done = true
		changed = true
	}

	if changed {
		if err := c.writeSchedule(entries); err != nil {
			c.Logger.Error("writing schedule", "error", err)
		}
	}
}

// Mux builds the Cyclops app's http.Handler: a single liveness probe
// route, placeholder for future event posting per the HTTP Surface
// design (the reconcile body itself has no caller-facing endpoint, only
// this /event route).
func (c *Cyclops) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /event", c.handleEvent)
	return mux
}

// handleEvent answers liveness probes; it reports on the reconciler
// itself, not on individual schedule entries.
func (c *Cyclops) handleEvent(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// AddEntry appends a new schedule entry with a fresh identifier and
// persists it atomically.
func (c *Cyclops) AddEntry(action string, dueAt time.Time) (ScheduleEntry, error) {
	entries, err := c.readSchedule()
	if err != nil {
		return ScheduleEntry{}, err
	}
	entry := ScheduleEntry{ID: uuid.NewString(), Action: action, DueAt: dueAt}
	entries = append(entries, entry)

	sort.Slice(entries, func(i, j int) bool { return entries[i].DueAt.Before(entries[j].DueAt) })
	return entry, c.writeSchedule(entries)
}

func (c *Cyclops) ensureScheduleFile() error {
	if _, err := os.Stat(c.SchedulePath); err == nil {
		return nil
	}
	return c.writeSchedule([]ScheduleEntry{})
}

func (c *Cyclops) readSchedule() ([]ScheduleEntry, error) {
	data, err := os.ReadFile(c.SchedulePath)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.KindScheduleMalformed, "reading schedule file")
	}
	var entries []ScheduleEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, apperror.Wrap(err, apperror.KindScheduleMalformed, "parsing schedule file")
	}
	return entries, nil
}

// writeSchedule persists entries via write-temp-then-rename, the same
// atomicity the Catalog uses for module downloads.
func (c *Cyclops) writeSchedule(entries []ScheduleEntry) error {
	if entries == nil {
		entries = []ScheduleEntry{}
	}
	data, err := json.MarshalIndent(entries, "", "    ")
	if err != nil {
		return apperror.Wrap(err, apperror.KindScheduleMalformed, "encoding schedule file")
	}

	dir := filepath.Dir(c.SchedulePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperror.Wrap(err, apperror.KindIOFailed, "creating schedule directory")
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return apperror.Wrap(err, apperror.KindIOFailed, "creating temp schedule file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return apperror.Wrap(err, apperror.KindIOFailed, "writing temp schedule file")
	}
	if err := tmp.Close(); err != nil {
		return apperror.Wrap(err, apperror.KindIOFailed, "closing temp schedule file")
	}
	if err := os.Rename(tmpPath, c.SchedulePath); err != nil {
		return apperror.Wrap(err, apperror.KindIOFailed, fmt.Sprintf("renaming into %s", c.SchedulePath))
	}
	return nil
}
