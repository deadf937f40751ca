// Package dispatch connects the controller session, the broker and the
// database: it routes controller frames to their handlers and turns broker
// card commands into controller requests.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/HsiangNianian/pacs-bridge/internal/db"
	"github.com/HsiangNianian/pacs-bridge/internal/metrics"
	"github.com/HsiangNianian/pacs-bridge/internal/protocol"
	"github.com/HsiangNianian/pacs-bridge/internal/store"
	"github.com/HsiangNianian/pacs-bridge/internal/workflow"
)

// Controller is the part of *session.Session the dispatcher drives.
type Controller interface {
	SendCommand(v any) error
	ReceiveFrame(timeout time.Duration) ([]byte, error)
	Reconnect(ctx context.Context) error
}

type Publisher interface {
	Publish(ctx context.Context, destination string, message any) error
}

type Repository interface {
	InsertEvent(ctx context.Context, ev db.Event) (int64, error)
	UpsertAccessPoint(ctx context.Context, ap db.AccessPoint) error
	UpsertCardOwner(ctx context.Context, o db.CardOwner) error
}

// Notifier receives bridge activity for diagnostics panels.
type Notifier interface {
	Broadcast(msgType string, payload any)
}

type Options struct {
	EventsDestination string
	PollTimeout       time.Duration
	SettleDelay       time.Duration
	Backdate          time.Duration
	ValidFor          time.Duration
	ProcessedTTL      time.Duration
	StaleAfter        time.Duration
	EvictEvery        time.Duration
	// Location controller timestamps are interpreted in. Defaults to time.Local.
	Location *time.Location
}

type Deps struct {
	Controller Controller
	Publisher  Publisher
	Repository Repository
	Table      *workflow.Table
	Store      store.Store
	Builder    *protocol.Builder
	Notifier   Notifier
}

type Dispatcher struct {
	opts     Options
	ctrl     Controller
	pub      Publisher
	repo     Repository
	table    *workflow.Table
	store    store.Store
	builder  *protocol.Builder
	notifier Notifier
	logger   *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(opts Options, deps Deps, logger *zap.Logger) *Dispatcher {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 5 * time.Second
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}
	st := deps.Store
	if st == nil {
		st = store.NewMemoryStore()
	}
	return &Dispatcher{
		opts:     opts,
		ctrl:     deps.Controller,
		pub:      deps.Publisher,
		repo:     deps.Repository,
		table:    deps.Table,
		store:    st,
		builder:  deps.Builder,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
		sleep:    sleepContext,
	}
}

type nopNotifier struct{}

func (nopNotifier) Broadcast(string, any) {}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run sends the startup commands and then reads controller frames until ctx
// is cancelled. A lost connection is re-established through the controller's
// bounded reconnect; running out of attempts ends Run with an error.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.sendStartup(); err != nil {
		d.logger.Warn("startup commands failed", zap.Error(err))
		if err := d.reconnect(ctx); err != nil {
			return d.stopErr(ctx, err)
		}
	}

	for {
		if ctx.Err() != nil {
			d.logger.Info("dispatch loop stopped")
			return nil
		}
		payload, err := d.ctrl.ReceiveFrame(d.opts.PollTimeout)
		if err != nil {
			d.logger.Warn("controller connection lost", zap.Error(err))
			if err := d.reconnect(ctx); err != nil {
				return d.stopErr(ctx, err)
			}
			continue
		}
		if payload == nil {
			continue
		}
		d.HandleFrame(ctx, payload)
	}
}

func (d *Dispatcher) stopErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (d *Dispatcher) reconnect(ctx context.Context) error {
	metrics.ControllerReconnects.Inc()
	if err := d.ctrl.Reconnect(ctx); err != nil {
		return fmt.Errorf("reconnect controller: %w", err)
	}
	if err := d.sendStartup(); err != nil {
		return fmt.Errorf("resend startup commands: %w", err)
	}
	return nil
}

func (d *Dispatcher) sendStartup() error {
	for _, req := range d.builder.Startup() {
		if err := d.send(req); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) send(req protocol.Request) error {
	if err := d.ctrl.SendCommand(req); err != nil {
		return fmt.Errorf("send %s: %w", req.Command, err)
	}
	metrics.FramesSent.WithLabelValues(req.Command).Inc()
	d.logger.Debug("sent controller command", zap.String("command", req.Command), zap.Int64("id", req.ID))
	return nil
}

// RunEvictor drops workflows the controller never acknowledged.
func (d *Dispatcher) RunEvictor(ctx context.Context) error {
	if d.opts.EvictEvery <= 0 || d.opts.StaleAfter <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(d.opts.EvictEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.evictStale()
		}
	}
}

func (d *Dispatcher) evictStale() {
	for _, w := range d.table.Evict(d.opts.StaleAfter) {
		d.logger.Warn("evicted unacknowledged workflow",
			zap.Int64("event_id", w.EventID),
			zap.String("event_type", string(w.Kind)),
			zap.String("stage", string(w.Stage)),
			zap.Time("created_at", w.CreatedAt))
		d.transition(w, "evicted")
	}
}

func (d *Dispatcher) transition(w workflow.Workflow, name string) {
	metrics.Workflows.WithLabelValues(string(w.Kind), name).Inc()
	d.notifier.Broadcast("workflow", workflowNotice{Workflow: w, Transition: name})
}

type workflowNotice struct {
	workflow.Workflow
	Transition string `json:"transition"`
}

var errMissingField = errors.New("missing required field")
