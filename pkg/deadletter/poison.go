package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/eventflow-io/eventflow/pkg/eventbus"
)

// Action is the terminal disposition a PoisonConfig applies once an event is
// judged poison, per spec §4.5.
type Action string

const (
	ActionQuarantine         Action = "QUARANTINE"
	ActionDiscard            Action = "DISCARD"
	ActionMoveToDLQ          Action = "MOVE_TO_DLQ"
	ActionManualIntervention Action = "MANUAL_INTERVENTION"
)

// FailureRecord is one observed failure for a tracked event key.
type FailureRecord struct {
	Timestamp  time.Time
	ErrorClass string
	Attempt    int
}

// key identifies an event for poison tracking: type + id + a hash of its
// content. Because the id is part of the key, republishing identical content
// under a new id (as Queue.Requeue does) starts a fresh failure history.
type key string

func eventKey(event *eventbus.Event) key {
	h := fnv.New64a()
	fmt.Fprintf(h, "%v", event.Data)
	return key(fmt.Sprintf("%v:%s:%x", event.Type, event.ID, h.Sum64()))
}

// Tracker retains per-event-key failure history up to retention, per spec
// §3 "FailureTracker ... Retained up to trackerRetention".
type Tracker struct {
	mu        sync.Mutex
	records   map[key][]FailureRecord
	retention time.Duration
}

// NewTracker builds a Tracker pruning records older than retention on every
// write. retention <= 0 disables pruning.
func NewTracker(retention time.Duration) *Tracker {
	return &Tracker{records: make(map[key][]FailureRecord), retention: retention}
}

// record appends a failure for k and returns the pruned, current history.
func (t *Tracker) record(k key, errClass string) []FailureRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	attempt := len(t.records[k]) + 1
	history := append(t.records[k], FailureRecord{
		Timestamp:  time.Now().UTC(),
		ErrorClass: errClass,
		Attempt:    attempt,
	})

	if t.retention > 0 {
		cutoff := time.Now().UTC().Add(-t.retention)
		pruned := history[:0]
		for _, r := range history {
			if r.Timestamp.After(cutoff) {
				pruned = append(pruned, r)
			}
		}
		history = pruned
	}

	t.records[k] = history
	out := make([]FailureRecord, len(history))
	copy(out, history)
	return out
}

// reset drops the history for k, used once a terminal poison action fires
// so a requeue of the same event starts with a clean slate.
func (t *Tracker) reset(k key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, k)
}

// PoisonConfig parameterizes poison detection and the action taken once an
// event is judged poison, per spec §4.5.
type PoisonConfig struct {
	// Predicate, when non-nil, immediately judges err as poison regardless
	// of the thresholds below.
	Predicate func(err error) bool

	MaxFailuresBeforePoison  int
	MaxConsecutiveSameErrors int
	FailureRateWindow        time.Duration
	MaxFailureRate           float64 // failures per second within the window

	Action         Action
	DLQRetryBudget int // used only when Action == ActionMoveToDLQ

	TrackerRetention time.Duration
}

// DefaultPoisonConfig judges a cast/parse-style error poison on first
// occurrence via the known-signature check; everything else needs five total
// failures or three consecutive identical ones. A poison event is moved to
// the DLQ (status FAILED) with a retry budget of one.
func DefaultPoisonConfig() PoisonConfig {
	return PoisonConfig{
		MaxFailuresBeforePoison:  5,
		MaxConsecutiveSameErrors: 3,
		FailureRateWindow:        time.Minute,
		MaxFailureRate:           1.0,
		Action:                   ActionMoveToDLQ,
		DLQRetryBudget:           1,
		TrackerRetention:         10 * time.Minute,
	}
}

// Handler implements eventbus.PoisonHandler: it tracks failures per event
// key and, once an event is judged poison, applies PoisonConfig's Action
// and claims the event (handled=true) so the dispatch engine stops
// retrying it.
type Handler struct {
	cfg     PoisonConfig
	tracker *Tracker
	dlq     *Queue

	discarded atomic.Int64
}

var _ eventbus.PoisonHandler = (*Handler)(nil)

// NewHandler builds a Handler backed by dlq for the QUARANTINE/MOVE_TO_DLQ/
// MANUAL_INTERVENTION actions. dlq may be nil only if cfg.Action is always
// ActionDiscard.
func NewHandler(cfg PoisonConfig, dlq *Queue) *Handler {
	return &Handler{cfg: cfg, dlq: dlq, tracker: NewTracker(cfg.TrackerRetention)}
}

// DiscardedCount returns how many events were judged poison and dropped via
// ActionDiscard, since discards are never stored anywhere else.
func (h *Handler) DiscardedCount() int64 {
	return h.discarded.Load()
}

// Handle implements eventbus.PoisonHandler.
func (h *Handler) Handle(ctx context.Context, original *eventbus.Event, subscriptionID uuid.UUID, deliveryErr error) (bool, error) {
	k := eventKey(original)
	errClass := errorClass(deliveryErr)
	history := h.tracker.record(k, errClass)

	if !h.isPoison(deliveryErr, history) {
		return false, nil
	}

	switch h.cfg.Action {
	case ActionDiscard:
		h.discarded.Add(1)
		h.tracker.reset(k)
		return true, nil

	case ActionQuarantine:
		if h.dlq == nil {
			return false, errors.New("deadletter: poison handler configured for QUARANTINE without a queue")
		}
		_, err := h.dlq.StoreWithStatus(ctx, original, subscriptionID, eventbus.ErrPoison, deliveryErr.Error(), StatusQuarantined, 0)
		h.tracker.reset(k)
		return true, err

	case ActionMoveToDLQ:
		if h.dlq == nil {
			return false, errors.New("deadletter: poison handler configured for MOVE_TO_DLQ without a queue")
		}
		_, err := h.dlq.StoreWithStatus(ctx, original, subscriptionID, eventbus.ErrPoison, deliveryErr.Error(), StatusFailed, h.cfg.DLQRetryBudget)
		h.tracker.reset(k)
		return true, err

	case ActionManualIntervention:
		if h.dlq == nil {
			return false, errors.New("deadletter: poison handler configured for MANUAL_INTERVENTION without a queue")
		}
		_, err := h.dlq.StoreWithStatus(ctx, original, subscriptionID, eventbus.ErrPoison, deliveryErr.Error(), StatusPendingManual, 0)
		h.tracker.reset(k)
		return true, err

	default:
		return false, fmt.Errorf("deadletter: unknown poison action %q", h.cfg.Action)
	}
}

func (h *Handler) isPoison(err error, history []FailureRecord) bool {
	if h.cfg.Predicate != nil && h.cfg.Predicate(err) {
		return true
	}
	if isKnownPoisonSignature(err) {
		return true
	}
	if h.cfg.MaxFailuresBeforePoison > 0 && len(history) >= h.cfg.MaxFailuresBeforePoison {
		return true
	}
	if h.cfg.MaxConsecutiveSameErrors > 0 && consecutiveSameErrors(history) >= h.cfg.MaxConsecutiveSameErrors {
		return true
	}
	if h.cfg.MaxFailureRate > 0 && h.cfg.FailureRateWindow > 0 {
		if failureRate(history, h.cfg.FailureRateWindow) >= h.cfg.MaxFailureRate {
			return true
		}
	}
	return false
}

func consecutiveSameErrors(history []FailureRecord) int {
	if len(history) == 0 {
		return 0
	}
	last := history[len(history)-1].ErrorClass
	count := 0
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].ErrorClass != last {
			break
		}
		count++
	}
	return count
}

func failureRate(history []FailureRecord, window time.Duration) float64 {
	cutoff := time.Now().UTC().Add(-window)
	count := 0
	for _, r := range history {
		if r.Timestamp.After(cutoff) {
			count++
		}
	}
	return float64(count) / window.Seconds()
}

func errorClass(err error) string {
	var de *eventbus.DispatchError
	if errors.As(err, &de) {
		return string(de.Kind)
	}
	return fmt.Sprintf("%T", err)
}

// isKnownPoisonSignature recognizes the error families spec §4.5 names:
// serialization/parse/format/encoding errors and cast/number-format errors.
func isKnownPoisonSignature(err error) bool {
	if err == nil {
		return false
	}

	var syntaxErr *json.SyntaxError
	var unmarshalTypeErr *json.UnmarshalTypeError
	var numErr *strconv.NumError
	if errors.As(err, &syntaxErr) || errors.As(err, &unmarshalTypeErr) || errors.As(err, &numErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, signature := range []string{
		"json:", "unmarshal", "syntax error", "invalid character",
		"parse error", "cannot parse", "malformed",
		"cast error", "type assertion", "invalid type",
		"encoding/", "decode error", "number format",
	} {
		if strings.Contains(msg, signature) {
			return true
		}
	}
	return false
}
