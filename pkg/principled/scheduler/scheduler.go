// Package scheduler fires one daily principle delivery per user at their
// chosen HH:MM. Uses robfig/cron for the recurring triggers, with flat-file
// persisted reminder configs for surviving restarts. Each firing sleeps a
// random sub-hour jitter before picking a random leaf item, so deliveries
// don't cluster at the top of the minute.
package scheduler

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"math/rand"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/ryabin/principled/pkg/principled/outline"
	"github.com/ryabin/principled/pkg/principled/store"
)

// ErrInvalidTimeFormat is returned by Schedule for input that is not a
// 24-hour HH:MM time.
var ErrInvalidTimeFormat = fmt.Errorf("time must be HH:MM in 24h format")

// timePattern accepts 0:00–23:59 with an optional leading zero on the hour.
var timePattern = regexp.MustCompile(`^([01]?\d|2[0-3]):([0-5]\d)$`)

const (
	// noPrinciplesNotice is sent when a job fires for a user with no content.
	noPrinciplesNotice = "You haven't added any principles yet. Use /add_principle to add your first one!"

	// noLeavesNotice is sent when the user's content yields no leaf items.
	noLeavesNotice = "I couldn't find any structured items in your principles. " +
		"Please check your headings (#, ##, ###) and try again."
)

// Storage is the slice of the principle store the scheduler needs.
type Storage interface {
	// RawOutline returns the user's principles as a heading-structured
	// document, or false when the user has none.
	RawOutline(userID int64) (string, bool)

	// Reminders enumerates all persisted reminder configs.
	Reminders() []store.UserReminder

	// LoadLastRun and SaveLastRun track the last firing per user, so missed
	// occurrences can be caught up (once) after a restart.
	LoadLastRun(userID int64) (time.Time, bool)
	SaveLastRun(userID int64, t time.Time) error
}

// Delivery sends rendered content to a user.
type Delivery interface {
	// Deliver sends an HTML header+body, chunked as needed.
	Deliver(ctx context.Context, chatID int64, header, body string) error

	// Notify sends a short plain-text advisory.
	Notify(ctx context.Context, chatID int64, text string) error
}

// Config holds scheduler tuning knobs.
type Config struct {
	// JitterMax is the upper bound of the random delay added to every
	// firing. Zero disables jitter (used in tests).
	JitterMax time.Duration `yaml:"jitter_max"`

	// Grace is how late a missed daily firing may still be caught up after
	// a restart. Misses older than this are skipped.
	Grace time.Duration `yaml:"grace"`
}

// DefaultConfig returns the production defaults: up to an hour of jitter,
// 12 hours of catch-up grace.
func DefaultConfig() Config {
	return Config{
		JitterMax: time.Hour,
		Grace:     12 * time.Hour,
	}
}

// Scheduler owns at most one recurring daily job per user.
type Scheduler struct {
	// cron drives the per-user daily triggers.
	cron *cron.Cron

	// entries maps user ids to their cron entry for removal on re-schedule.
	entries map[int64]cron.EntryID

	// running tracks users with a firing in flight, so a firing that is
	// still inside its jitter sleep when the next trigger comes due is
	// skipped, never queued.
	running map[int64]bool

	storage  Storage
	delivery Delivery
	cfg      Config
	logger   *slog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Scheduler over the given storage and delivery collaborators.
func New(storage Storage, delivery Delivery, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 12 * time.Hour
	}
	return &Scheduler{
		cron:     cron.New(),
		entries:  make(map[int64]cron.EntryID),
		running:  make(map[int64]bool),
		storage:  storage,
		delivery: delivery,
		cfg:      cfg,
		logger:   logger.With("component", "scheduler"),
	}
}

// Start begins trigger processing. Call RestoreAll afterwards (and before
// any user-facing command handling) to reinstate persisted schedules.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.logger.Info("scheduler started")
}

// Stop shuts down the scheduler, waiting briefly for in-flight firings.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		s.logger.Warn("scheduler stop timed out")
	}
	s.logger.Info("scheduler stopped")
}

// Schedule (re)registers the user's daily job at HH:MM local server time.
// Any previous job for the user is removed first, so a user never has two
// jobs at once; calling it twice with the same time is idempotent.
func (s *Scheduler) Schedule(userID int64, hhmm string) error {
	hour, minute, err := ParseTime(hhmm)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[userID]; ok {
		s.cron.Remove(old)
		delete(s.entries, userID)
	}

	spec := fmt.Sprintf("%d %d * * *", minute, hour)
	entryID, err := s.cron.AddFunc(spec, func() {
		s.fire(userID)
	})
	if err != nil {
		return fmt.Errorf("registering daily trigger: %w", err)
	}
	s.entries[userID] = entryID

	s.logger.Info("daily job scheduled",
		"user_id", userID,
		"at", fmt.Sprintf("%02d:%02d", hour, minute),
	)
	return nil
}

// Unschedule removes the user's daily job if present. No-op otherwise.
func (s *Scheduler) Unschedule(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[userID]; ok {
		s.cron.Remove(old)
		delete(s.entries, userID)
		s.logger.Info("daily job removed", "user_id", userID)
	}
}

// Scheduled reports whether the user currently has a job registered.
func (s *Scheduler) Scheduled(userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[userID] != 0
}

// RestoreAll reinstates one daily job per persisted reminder config and
// returns the number restored. Bad records are skipped individually.
// Intended to run once, at startup, before the command loop starts. It
// only registers jobs; CatchUp handles missed occurrences separately so
// that catch-up deliveries can wait for the channel to connect.
func (s *Scheduler) RestoreAll() int {
	count := 0
	for _, r := range s.storage.Reminders() {
		if err := s.Schedule(r.UserID, r.Config.Time); err != nil {
			s.logger.Warn("skipping reminder config",
				"user_id", r.UserID, "time", r.Config.Time, "error", err)
			continue
		}
		count++
	}
	s.logger.Info("schedules restored", "count", count)
	return count
}

// CatchUp launches one coalesced firing for each user whose trigger time
// already passed today by no more than the grace window and whose last
// recorded firing predates it. Returns the number of firings launched.
// Call after the delivery channel is connected: a firing consumes the
// missed occurrence by stamping the last run, so sending it into a
// disconnected channel would lose it.
func (s *Scheduler) CatchUp() int {
	count := 0
	now := time.Now()

	for _, r := range s.storage.Reminders() {
		hour, minute, err := ParseTime(r.Config.Time)
		if err != nil {
			continue
		}
		trigger := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		if now.Before(trigger) || now.Sub(trigger) > s.cfg.Grace {
			continue
		}
		if last, ok := s.storage.LoadLastRun(r.UserID); ok && !last.Before(trigger) {
			continue
		}

		s.logger.Info("catching up missed firing",
			"user_id", r.UserID, "missed_at", trigger.Format(time.RFC3339))
		go s.fire(r.UserID)
		count++
	}
	return count
}

// runContext returns the scheduler's run context, falling back to
// Background when Start has not been called (catch-up tests).
func (s *Scheduler) runContext() context.Context {
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}

// ParseTime validates an HH:MM 24-hour string and returns hour and minute.
func ParseTime(hhmm string) (hour, minute int, err error) {
	m := timePattern.FindStringSubmatch(hhmm)
	if m == nil {
		return 0, 0, ErrInvalidTimeFormat
	}
	hour, _ = strconv.Atoi(m[1])
	minute, _ = strconv.Atoi(m[2])
	return hour, minute, nil
}

// fire runs one occurrence of a user's daily job: jitter sleep, fetch and
// parse content, deliver one random leaf item. Everything is caught at this
// boundary: a failed delivery is logged and the recurring registration is
// untouched.
func (s *Scheduler) fire(userID int64) {
	s.mu.Lock()
	if s.running[userID] {
		s.mu.Unlock()
		s.logger.Warn("skipping firing (previous still in flight)", "user_id", userID)
		return
	}
	s.running[userID] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, userID)
		s.mu.Unlock()

		// One panicking job must not take down the scheduler.
		if r := recover(); r != nil {
			s.logger.Error("daily job panicked", "user_id", userID, "panic", r)
		}
	}()

	runID := uuid.New().String()[:8]
	ctx := s.runContext()

	// Consume the occurrence before the jitter sleep: if the process dies
	// mid-sleep, the restart's grace window sees this occurrence as done
	// rather than firing it a second time.
	if err := s.storage.SaveLastRun(userID, time.Now()); err != nil {
		s.logger.Warn("failed to persist last run", "user_id", userID, "run_id", runID, "error", err)
	}

	if s.cfg.JitterMax > 0 {
		jitter := time.Duration(rand.Int63n(int64(s.cfg.JitterMax)))
		s.logger.Debug("jitter sleep", "user_id", userID, "run_id", runID, "jitter", jitter)
		select {
		case <-time.After(jitter):
		case <-ctx.Done():
			return
		}
	}

	raw, ok := s.storage.RawOutline(userID)
	if !ok {
		if err := s.delivery.Notify(ctx, userID, noPrinciplesNotice); err != nil {
			s.logger.Warn("failed to notify user about missing principles",
				"user_id", userID, "run_id", runID, "error", err)
		}
		return
	}

	items := outline.Parse(raw)
	if len(items) == 0 {
		if err := s.delivery.Notify(ctx, userID, noLeavesNotice); err != nil {
			s.logger.Warn("failed to notify user about parsing issue",
				"user_id", userID, "run_id", runID, "error", err)
		}
		return
	}

	item := items[rand.Intn(len(items))]
	header, body := RenderItem(item)
	if err := s.delivery.Deliver(ctx, userID, header, body); err != nil {
		s.logger.Error("failed to deliver principle",
			"user_id", userID, "run_id", runID, "error", err)
		return
	}

	s.logger.Info("principle delivered",
		"user_id", userID, "run_id", runID, "path", item.Breadcrumb())
}

// RenderItem formats a leaf item for delivery: the breadcrumb as a bold
// HTML header, the text as the body, both escaped.
func RenderItem(item outline.Item) (header, body string) {
	header = "<b>" + html.EscapeString(item.Breadcrumb()) + "</b>\n"
	body = html.EscapeString(item.Text)
	return header, body
}
