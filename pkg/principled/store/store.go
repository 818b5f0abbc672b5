// Package store persists per-user principle collections and reminder
// configuration as flat JSON files in a single data directory. Reads of
// missing or corrupt files degrade to "no data": the bot prefers showing an
// empty list over surfacing storage corruption to the user. Writes go
// through a temp-file-plus-rename so a concurrent reader never observes a
// torn file.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Principle is one normalized principle record. Records are never mutated
// in place: they are added and removed whole, and ids are never reused.
type Principle struct {
	ID       int    `json:"id"`
	Category string `json:"category"`
	Title    string `json:"title"`
	Text     string `json:"text"`
}

// ReminderConfig is a user's daily reminder setting. TZName records the
// server timezone at save time for display purposes only; scheduling always
// uses the process's current local timezone.
type ReminderConfig struct {
	Time   string `json:"time"`
	TZName string `json:"tzname"`
}

// UserReminder pairs a reminder config with its owner, as returned by
// Reminders during startup restoration.
type UserReminder struct {
	UserID int64
	Config ReminderConfig
}

// Store is a file-backed principle and reminder store. Safe for concurrent
// use: read-modify-write cycles are serialized by a mutex, and every write
// is atomic at the filesystem level.
type Store struct {
	dir    string
	logger *slog.Logger
	mu     sync.Mutex
}

// New creates a Store rooted at dir, creating the directory if needed.
func New(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return &Store{
		dir:    dir,
		logger: logger.With("component", "store"),
	}, nil
}

// Dir returns the data directory path.
func (s *Store) Dir() string { return s.dir }

// ---------- Principles ----------

// Load returns the user's principles in insertion order. Missing or
// malformed files yield an empty slice.
func (s *Store) Load(userID int64) []Principle {
	return s.readPrinciples(userID)
}

// Add validates and appends a new principle, assigning the next id
// (max existing + 1, starting at 1). Returns the new id.
func (s *Store) Add(userID int64, category, title, text string) (int, error) {
	category = strings.TrimSpace(category)
	title = strings.TrimSpace(title)
	text = strings.TrimSpace(text)
	if category == "" || title == "" || text == "" {
		return 0, fmt.Errorf("category, title and text are all required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	principles := s.readPrinciples(userID)
	newID := 1
	for _, p := range principles {
		if p.ID >= newID {
			newID = p.ID + 1
		}
	}
	principles = append(principles, Principle{
		ID:       newID,
		Category: category,
		Title:    title,
		Text:     text,
	})
	if err := s.writePrinciples(userID, principles); err != nil {
		return 0, err
	}
	return newID, nil
}

// Remove deletes a principle by id. Returns true if it existed; on false
// nothing is written.
func (s *Store) Remove(userID int64, id int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	principles := s.readPrinciples(userID)
	kept := principles[:0]
	for _, p := range principles {
		if p.ID != id {
			kept = append(kept, p)
		}
	}
	if len(kept) == len(principles) {
		return false, nil
	}
	if err := s.writePrinciples(userID, kept); err != nil {
		return false, err
	}
	return true, nil
}

// Get returns the principle with the given id, if present.
func (s *Store) Get(userID int64, id int) (Principle, bool) {
	for _, p := range s.readPrinciples(userID) {
		if p.ID == id {
			return p, true
		}
	}
	return Principle{}, false
}

// Replace swaps the user's whole collection for the given records,
// reassigning ids from 1. Used when the user submits a full outline.
func (s *Store) Replace(userID int64, principles []Principle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range principles {
		principles[i].ID = i + 1
	}
	return s.writePrinciples(userID, principles)
}

// RawOutline synthesizes a heading-structured document from the user's
// records (one "#" heading per category, one "##" heading per title) so the
// scheduler can run the same outline parser regardless of how principles
// were entered. Returns false when the user has no principles.
func (s *Store) RawOutline(userID int64) (string, bool) {
	principles := s.readPrinciples(userID)
	if len(principles) == 0 {
		return "", false
	}

	// Group by category, preserving first-seen order.
	var order []string
	grouped := make(map[string][]Principle)
	for _, p := range principles {
		if _, seen := grouped[p.Category]; !seen {
			order = append(order, p.Category)
		}
		grouped[p.Category] = append(grouped[p.Category], p)
	}

	var b strings.Builder
	for _, category := range order {
		fmt.Fprintf(&b, "# %s\n\n", category)
		for _, p := range grouped[category] {
			fmt.Fprintf(&b, "## %s\n%s\n\n", p.Title, p.Text)
		}
	}
	return strings.TrimRight(b.String(), "\n"), true
}

// ---------- Reminder config ----------

// SaveReminder stores the user's reminder time, stamping the current server
// timezone name.
func (s *Store) SaveReminder(userID int64, hhmm string) error {
	cfg := ReminderConfig{
		Time:   hhmm,
		TZName: time.Now().Format("MST"),
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling reminder config: %w", err)
	}
	return s.writeFileAtomic(s.timeFile(userID), data)
}

// LoadReminder returns the user's reminder config, if present and readable.
func (s *Store) LoadReminder(userID int64) (ReminderConfig, bool) {
	var cfg ReminderConfig
	if !s.readJSON(s.timeFile(userID), &cfg) {
		return ReminderConfig{}, false
	}
	return cfg, true
}

// Reminders scans the data directory for persisted reminder configs across
// all users. Files with unparseable names or corrupt contents are skipped
// individually so one bad record cannot block the rest.
func (s *Store) Reminders() []UserReminder {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*"+timeSuffix))
	if err != nil {
		s.logger.Warn("scanning reminder configs failed", "error", err)
		return nil
	}

	var out []UserReminder
	for _, path := range matches {
		name := filepath.Base(path)
		uidStr := strings.TrimSuffix(name, timeSuffix)
		userID, err := strconv.ParseInt(uidStr, 10, 64)
		if err != nil {
			s.logger.Warn("skipping reminder file with bad name", "file", name)
			continue
		}
		var cfg ReminderConfig
		if !s.readJSON(path, &cfg) || cfg.Time == "" {
			s.logger.Warn("skipping unreadable reminder file", "file", name)
			continue
		}
		out = append(out, UserReminder{UserID: userID, Config: cfg})
	}
	return out
}

// ---------- Last-run bookkeeping ----------

// lastRun is the persisted shape of a user's last scheduler occurrence.
type lastRun struct {
	LastRun time.Time `json:"last_run"`
}

// SaveLastRun records when the user's daily job last fired. The scheduler
// uses this across restarts to decide whether a missed firing is still
// within the catch-up grace window.
func (s *Store) SaveLastRun(userID int64, t time.Time) error {
	data, err := json.MarshalIndent(lastRun{LastRun: t}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling last-run record: %w", err)
	}
	return s.writeFileAtomic(s.lastRunFile(userID), data)
}

// LoadLastRun returns the user's last recorded firing time, if any.
func (s *Store) LoadLastRun(userID int64) (time.Time, bool) {
	var rec lastRun
	if !s.readJSON(s.lastRunFile(userID), &rec) || rec.LastRun.IsZero() {
		return time.Time{}, false
	}
	return rec.LastRun, true
}

// ---------- Internal ----------

const (
	principlesSuffix = "_principles.json"
	timeSuffix       = "_time.json"
	lastRunSuffix    = "_lastrun.json"
)

func (s *Store) principlesFile(userID int64) string {
	return filepath.Join(s.dir, strconv.FormatInt(userID, 10)+principlesSuffix)
}

func (s *Store) timeFile(userID int64) string {
	return filepath.Join(s.dir, strconv.FormatInt(userID, 10)+timeSuffix)
}

func (s *Store) lastRunFile(userID int64) string {
	return filepath.Join(s.dir, strconv.FormatInt(userID, 10)+lastRunSuffix)
}

func (s *Store) readPrinciples(userID int64) []Principle {
	var principles []Principle
	if !s.readJSON(s.principlesFile(userID), &principles) {
		return nil
	}
	return principles
}

func (s *Store) writePrinciples(userID int64, principles []Principle) error {
	if principles == nil {
		principles = []Principle{}
	}
	data, err := json.MarshalIndent(principles, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling principles: %w", err)
	}
	return s.writeFileAtomic(s.principlesFile(userID), data)
}

// readJSON loads a JSON file into v. Returns false on any failure; corrupt
// data is logged and treated as absent, never propagated.
func (s *Store) readJSON(path string, v any) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("unreadable data file", "file", filepath.Base(path), "error", err)
		}
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.logger.Warn("corrupt data file, treating as empty", "file", filepath.Base(path), "error", err)
		return false
	}
	return true
}

// writeFileAtomic writes data to a temp file in the same directory and
// renames it over the target, so readers see either the old or the new
// content, never a partial write.
func (s *Store) writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing %s: %w", filepath.Base(path), err)
	}
	return nil
}
