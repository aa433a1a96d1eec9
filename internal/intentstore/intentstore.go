// Package intentstore persists the skill-creation confirmation state
// machine (spec §3 "Intent"): PENDING_CONFIRMATION -> {CONFIRMED|REJECTED},
// CONFIRMED -> {EXECUTED|FAILED}. A pending Intent is confirmable exactly
// once (spec invariant 6).
package intentstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antigravity-dev/agentcore/internal/errkind"
)

// Origin identifies who proposed the skill-creation intent.
type Origin string

const (
	OriginUser Origin = "USER"
	OriginAI   Origin = "AI"
)

// State is one of the five Intent lifecycle states.
type State string

const (
	StatePendingConfirmation State = "PENDING_CONFIRMATION"
	StateConfirmed           State = "CONFIRMED"
	StateRejected            State = "REJECTED"
	StateExecuted            State = "EXECUTED"
	StateFailed              State = "FAILED"
)

// Intent is a persistent, user-confirmable deferred action.
type Intent struct {
	ID             string          `json:"id"`
	SkillName      string          `json:"skill_name"`
	Origin         Origin          `json:"origin"`
	Reason         string          `json:"reason"`
	ConversationID string          `json:"conversation_id"`
	UserText       string          `json:"user_text"`
	ThinkingPlan   json.RawMessage `json:"thinking_plan"`
	Complexity     int             `json:"complexity"`
	CreatedAt      string          `json:"created_at"`
	State          State           `json:"state"`
}

// Store is a file-backed registry of Intents, indexed by conversation and
// by ID.
type Store struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger overrides the default slog.Default() logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

func withClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns a Store backed by path.
func New(path string, opts ...Option) *Store {
	s := &Store{path: path, logger: slog.Default(), now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) readAll() map[string]Intent {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return map[string]Intent{}
	}
	var m map[string]Intent
	if err := json.Unmarshal(data, &m); err != nil {
		s.logger.Warn("intentstore: corrupt store file, starting empty", "path", s.path, "err", err)
		return map[string]Intent{}
	}
	return m
}

func (s *Store) writeAll(m map[string]Intent) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	tmp, err := os.CreateTemp(dir, ".intentstore-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, s.path)
}

// Create persists a new Intent in PENDING_CONFIRMATION, with an 8-hex-char
// ID (spec §3).
func (s *Store) Create(conversationID, skillName string, origin Origin, reason, userText string, thinkingPlan json.RawMessage, complexity int) (Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	intent := Intent{
		ID:             uuid.NewString()[:8],
		SkillName:      skillName,
		Origin:         origin,
		Reason:         reason,
		ConversationID: conversationID,
		UserText:       userText,
		ThinkingPlan:   thinkingPlan,
		Complexity:     complexity,
		CreatedAt:      s.now().Format(time.RFC3339),
		State:          StatePendingConfirmation,
	}

	m := s.readAll()
	m[intent.ID] = intent
	if err := s.writeAll(m); err != nil {
		return Intent{}, errkind.FatalErr("persisting new intent", err)
	}
	return intent, nil
}

// GetPending returns the most recently created PENDING_CONFIRMATION Intent
// for conversationID, if any.
func (s *Store) GetPending(conversationID string) (Intent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.readAll()
	var best Intent
	found := false
	for _, intent := range m {
		if intent.ConversationID != conversationID || intent.State != StatePendingConfirmation {
			continue
		}
		if !found || intent.CreatedAt > best.CreatedAt {
			best = intent
			found = true
		}
	}
	return best, found
}

// Get returns the Intent with the given ID.
func (s *Store) Get(id string) (Intent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.readAll()
	intent, ok := m[id]
	return intent, ok
}

// transition moves id from one of fromStates to to, failing if the current
// state is not among fromStates — enforcing "confirmable exactly once"
// (invariant 6) and the equivalent for every other edge.
func (s *Store) transition(id string, to State, fromStates ...State) (Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.readAll()
	intent, ok := m[id]
	if !ok {
		return Intent{}, errkind.ValidationErr(fmt.Sprintf("intent %s not found", id), nil)
	}
	allowed := false
	for _, from := range fromStates {
		if intent.State == from {
			allowed = true
			break
		}
	}
	if !allowed {
		return Intent{}, errkind.ConflictErr(fmt.Sprintf("intent %s cannot move from %s to %s", id, intent.State, to), nil)
	}
	intent.State = to
	m[id] = intent
	if err := s.writeAll(m); err != nil {
		return Intent{}, errkind.FatalErr("persisting intent transition", err)
	}
	return intent, nil
}

// Confirm transitions a PENDING_CONFIRMATION Intent to CONFIRMED. Calling
// it twice on the same Intent fails the second time (invariant 6).
func (s *Store) Confirm(id string) (Intent, error) {
	return s.transition(id, StateConfirmed, StatePendingConfirmation)
}

// Reject transitions a PENDING_CONFIRMATION Intent to REJECTED.
func (s *Store) Reject(id string) (Intent, error) {
	return s.transition(id, StateRejected, StatePendingConfirmation)
}

// MarkExecuted transitions a CONFIRMED Intent to EXECUTED.
func (s *Store) MarkExecuted(id string) (Intent, error) {
	return s.transition(id, StateExecuted, StateConfirmed)
}

// MarkFailed transitions a CONFIRMED Intent to FAILED.
func (s *Store) MarkFailed(id string) (Intent, error) {
	return s.transition(id, StateFailed, StateConfirmed)
}
