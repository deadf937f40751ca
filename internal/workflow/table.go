// Package workflow tracks in-flight card workflows between an inbound broker
// command and the controller acknowledgements that complete it.
package workflow

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/HsiangNianian/pacs-bridge/internal/metrics"
)

type Kind string

const (
	KindIssue    Kind = "issue"
	KindWithdraw Kind = "wdraw"
)

type Stage string

const (
	StageAddCard  Stage = "addcard"
	StageLoadCard Stage = "loadcard"
	StageDelCard  Stage = "delcard"
)

var stages = map[Kind][]Stage{
	KindIssue:    {StageAddCard},
	KindWithdraw: {StageLoadCard, StageDelCard},
}

var (
	ErrDuplicate    = errors.New("workflow already in flight")
	ErrUnknownKind  = errors.New("unknown workflow kind")
	ErrStageOrder   = errors.New("workflow stage does not advance")
	ErrInvalidStage = errors.New("stage not part of workflow")
)

// ParseKind validates a broker event_type.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if _, ok := stages[k]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return k, nil
}

// Stages returns the fixed stage sequence of k.
func (k Kind) Stages() []Stage {
	return stages[k]
}

type Workflow struct {
	EventID          int64     `json:"event_id"`
	CardNumber       int64     `json:"card_number"`
	NativeCardNumber int64     `json:"native_card_number"`
	Kind             Kind      `json:"event_type"`
	Stage            Stage     `json:"stage"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (w Workflow) stageIndex(s Stage) int {
	for i, st := range w.Kind.Stages() {
		if st == s {
			return i
		}
	}
	return -1
}

// Final reports whether s is the last stage of the workflow.
func (w Workflow) Final(s Stage) bool {
	seq := w.Kind.Stages()
	return len(seq) > 0 && seq[len(seq)-1] == s
}

// Table is the correlation table keyed by event id. It is safe for
// concurrent use.
type Table struct {
	mu      sync.Mutex
	pending map[int64]*Workflow
	now     func() time.Time
	logger  *zap.Logger
}

func NewTable(logger *zap.Logger) *Table {
	return &Table{
		pending: make(map[int64]*Workflow),
		now:     time.Now,
		logger:  logger,
	}
}

// Add starts tracking w. The stage must be the first of the workflow's
// sequence and the event id must not already be in flight.
func (t *Table) Add(w Workflow) error {
	seq := w.Kind.Stages()
	if len(seq) == 0 {
		return fmt.Errorf("%w: %q", ErrUnknownKind, w.Kind)
	}
	if w.Stage != seq[0] {
		return fmt.Errorf("%w: %s cannot start at %s", ErrInvalidStage, w.Kind, w.Stage)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.pending[w.EventID]; ok {
		return fmt.Errorf("%w: event_id=%d stage=%s", ErrDuplicate, w.EventID, cur.Stage)
	}
	now := t.now()
	w.CreatedAt = now
	w.UpdatedAt = now
	t.pending[w.EventID] = &w
	metrics.PendingWorkflows.Set(float64(len(t.pending)))
	return nil
}

func (t *Table) Get(eventID int64) (Workflow, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.pending[eventID]
	if !ok {
		return Workflow{}, false
	}
	return *w, true
}

// UpdateStage moves a workflow forward. Unknown ids are ignored.
func (t *Table) UpdateStage(eventID int64, stage Stage) error {
	_, err := t.Advance(eventID, stage)
	return err
}

// Advance is UpdateStage that also reports whether the workflow was still
// tracked.
func (t *Table) Advance(eventID int64, stage Stage) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.pending[eventID]
	if !ok {
		return false, nil
	}
	next := w.stageIndex(stage)
	if next < 0 {
		return true, fmt.Errorf("%w: %s has no stage %s", ErrInvalidStage, w.Kind, stage)
	}
	if next <= w.stageIndex(w.Stage) {
		return true, fmt.Errorf("%w: event_id=%d %s -> %s", ErrStageOrder, eventID, w.Stage, stage)
	}
	w.Stage = stage
	w.UpdatedAt = t.now()
	return true, nil
}

// Remove drops a workflow and reports whether it was present.
func (t *Table) Remove(eventID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(eventID)
}

func (t *Table) removeLocked(eventID int64) bool {
	if _, ok := t.pending[eventID]; !ok {
		return false
	}
	t.logger.Debug("remove pending workflow", zap.Int64("event_id", eventID))
	delete(t.pending, eventID)
	metrics.PendingWorkflows.Set(float64(len(t.pending)))
	return true
}

// Complete removes the workflow when stage is its current and final stage,
// returning the removed workflow.
func (t *Table) Complete(eventID int64, stage Stage) (Workflow, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.pending[eventID]
	if !ok || w.Stage != stage || !w.Final(stage) {
		return Workflow{}, false
	}
	done := *w
	t.removeLocked(eventID)
	return done, true
}

// Evict removes workflows created more than olderThan ago.
func (t *Table) Evict(olderThan time.Duration) []Workflow {
	cutoff := t.now().Add(-olderThan)

	t.mu.Lock()
	defer t.mu.Unlock()
	var evicted []Workflow
	for id, w := range t.pending {
		if w.CreatedAt.Before(cutoff) {
			evicted = append(evicted, *w)
			t.removeLocked(id)
		}
	}
	sort.Slice(evicted, func(i, j int) bool { return evicted[i].EventID < evicted[j].EventID })
	return evicted
}

// All returns a snapshot ordered by event id, for diagnostics.
func (t *Table) All() []Workflow {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Workflow, 0, len(t.pending))
	for _, w := range t.pending {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	return out
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
