// Package lock implements the digest pipeline's cross-process file-based
// mutex: a TOCTOU-safe protocol that combines an O_EXCL fresh-create with a
// sentinel-guarded stale-takeover path, in place of a single-process
// syscall.Flock lock.
package lock

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const takeoverStaleAfter = 30 * time.Second

// Record is the JSON payload written to the lock file.
type Record struct {
	Owner      string `json:"owner"`
	AcquiredAt string `json:"acquired_at"`
	PID        int    `json:"pid"`
}

// Status is the structured status returned by Service.GetStatus, consumed by
// operational tooling.
type Status struct {
	State     string  `json:"status"` // FREE | LOCKED
	Owner     *string `json:"owner"`
	Since     *string `json:"since"`
	TimeoutS  int     `json:"timeout_s"`
	Stale     *bool   `json:"stale"`
}

// Service is a cooperative, cross-process exclusion mechanism for the digest
// pipeline. One Service instance maps to one lock file path.
type Service struct {
	path    string
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithTimeout overrides the default 300s staleness timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

// WithLogger overrides the default slog.Default() logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// withClock overrides the time source; used by tests to simulate stale
// locks without sleeping.
func withClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New returns a Service guarding the lock file at path.
func New(path string, opts ...Option) *Service {
	s := &Service{
		path:    path,
		timeout: 300 * time.Second,
		logger:  slog.Default(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func isoNow(t time.Time) string {
	return t.Format("2006-01-02T15:04:05.999999Z")
}

func parseISO(s string) (time.Time, error) {
	for _, layout := range []string{
		"2006-01-02T15:04:05.999999Z",
		"2006-01-02T15:04:05Z",
		time.RFC3339Nano,
		time.RFC3339,
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("lock: unparseable timestamp %q", s)
}

// Acquire attempts to take the lock for owner. It returns true on success and
// false when a fresh (non-stale) lock is held, by any owner including owner
// itself. It never waits.
//
// Algorithm:
//  1. Fresh create: O_EXCL. Winner writes {owner, acquired_at, pid}.
//  2. Existing file: if age < timeout, return false.
//  3. Stale takeover: race on a sibling `.takeover` sentinel (also O_EXCL).
//     The sentinel-winner re-reads the lock before overwriting — if it was
//     refreshed in the interim, the takeover aborts. Sentinels older than 30s
//     are treated as crashed and cleaned up before the attempt.
func (s *Service) Acquire(owner string) bool {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		s.logger.Warn("lock: failed to create lock directory", "err", err)
		return false
	}

	now := s.now()
	payload := Record{Owner: owner, AcquiredAt: isoNow(now), PID: os.Getpid()}
	data, _ := json.Marshal(payload)

	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err == nil {
		_, werr := f.Write(data)
		f.Close()
		if werr != nil {
			s.logger.Warn("lock: write failed after exclusive create", "err", werr)
			return false
		}
		s.logger.Info("lock: acquired (exclusive-create)", "owner", owner)
		return true
	}
	if !os.IsExist(err) {
		s.logger.Warn("lock: exclusive create failed", "err", err)
		return false
	}

	// Existing lock — check staleness.
	existing, readErr := s.readRecord()
	if readErr == nil {
		age := now.Sub(existing.acquiredAt)
		if age < s.timeout {
			s.logger.Warn("lock: held, blocking", "owner", existing.Owner, "age_s", int(age.Seconds()), "timeout_s", int(s.timeout.Seconds()))
			return false
		}
		s.logger.Warn("lock: stale lock detected, attempting takeover", "owner", existing.Owner, "age_s", int(age.Seconds()))
	} else {
		s.logger.Warn("lock: cannot read lock, attempting takeover", "err", readErr)
	}

	return s.takeover(owner, now, data)
}

type recordWithTime struct {
	Record
	acquiredAt time.Time
}

func (s *Service) readRecord() (recordWithTime, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return recordWithTime{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return recordWithTime{}, err
	}
	at, err := parseISO(rec.AcquiredAt)
	if err != nil {
		return recordWithTime{}, err
	}
	return recordWithTime{Record: rec, acquiredAt: at}, nil
}

func (s *Service) takeover(owner string, now time.Time, payload []byte) bool {
	takeoverPath := s.path + ".takeover"

	// Clean up a stale sentinel left by a crashed prior winner.
	if info, err := os.Stat(takeoverPath); err == nil {
		if time.Since(info.ModTime()) > takeoverStaleAfter {
			_ = os.Remove(takeoverPath)
		}
	}

	tf, err := os.OpenFile(takeoverPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			s.logger.Warn("lock: takeover in progress by another worker, blocking", "owner", owner)
		} else {
			s.logger.Warn("lock: takeover sentinel create failed", "err", err)
		}
		return false
	}
	tf.Close()
	defer os.Remove(takeoverPath)

	// Re-validate lock freshness after winning the sentinel race.
	if existing, err := s.readRecord(); err == nil {
		age := s.now().Sub(existing.acquiredAt)
		if age < s.timeout {
			s.logger.Warn("lock: takeover re-check found refreshed lock, blocking", "owner", existing.Owner, "age_s", int(age.Seconds()))
			return false
		}
	}
	// Missing/unparseable lock on re-check: fail-open, proceed with takeover.

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "lock-*.tmp")
	if err != nil {
		s.logger.Warn("lock: failed to create temp file for takeover", "err", err)
		return false
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		s.logger.Warn("lock: failed to write takeover payload", "err", err)
		return false
	}
	tmp.Close()
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		s.logger.Warn("lock: failed to replace lock file", "err", err)
		return false
	}
	s.logger.Info("lock: acquired (stale-takeover)", "owner", owner)
	return true
}

// Release removes the lock file only if it is currently owned by owner.
func (s *Service) Release(owner string) bool {
	rec, err := s.readRecord()
	if err != nil {
		if os.IsNotExist(err) {
			return true
		}
		s.logger.Warn("lock: failed to release", "err", err)
		return false
	}
	if rec.Owner != owner {
		s.logger.Warn("lock: cannot release, held by different owner", "held_by", rec.Owner, "requested_by", owner)
		return false
	}
	if err := os.Remove(s.path); err != nil {
		s.logger.Warn("lock: failed to remove lock file", "err", err)
		return false
	}
	s.logger.Info("lock: released", "owner", owner)
	return true
}

// Info returns the current lock record, or nil if unlocked/unreadable.
func (s *Service) Info() *Record {
	rec, err := s.readRecord()
	if err != nil {
		return nil
	}
	return &rec.Record
}

// GetStatus returns the structured lock status for operational tooling.
func (s *Service) GetStatus() Status {
	rec, err := s.readRecord()
	if err != nil {
		return Status{State: "FREE", TimeoutS: int(s.timeout.Seconds())}
	}
	age := s.now().Sub(rec.acquiredAt)
	stale := age > s.timeout
	owner := rec.Owner
	since := rec.AcquiredAt
	return Status{
		State:    "LOCKED",
		Owner:    &owner,
		Since:    &since,
		TimeoutS: int(s.timeout.Seconds()),
		Stale:    &stale,
	}
}

// With runs fn while holding the lock for owner, releasing it afterward
// regardless of fn's outcome. It returns false immediately (without calling
// fn) if the lock could not be acquired.
func (s *Service) With(owner string, fn func() error) (acquired bool, err error) {
	if !s.Acquire(owner) {
		return false, nil
	}
	defer s.Release(owner)
	return true, fn()
}
