package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/HsiangNianian/pacs-bridge/internal/broker"
	"github.com/HsiangNianian/pacs-bridge/internal/protocol"
	"github.com/HsiangNianian/pacs-bridge/internal/workflow"
)

const (
	eventTypeExtend = "extend"
	eventTypeState  = "state"
)

// HandleCommand carries out one broker card command. It is the consumer's
// Handler: a returned error requeues the message, errors wrapping
// broker.ErrDiscard drop it.
func (d *Dispatcher) HandleCommand(ctx context.Context, body []byte) error {
	var cmd protocol.CardCommand
	if err := json.Unmarshal(body, &cmd); err != nil {
		return fmt.Errorf("%w: decode card command: %w", broker.ErrDiscard, err)
	}
	if cmd.EventID == 0 || cmd.CardNumber == 0 {
		return fmt.Errorf("%w: card command needs event_id and card_number", broker.ErrDiscard)
	}

	key := cmd.EventType + ":" + strconv.FormatInt(cmd.EventID, 10)
	done, err := d.store.IsProcessed(ctx, key)
	if err != nil {
		return fmt.Errorf("check processed %s: %w", key, err)
	}
	if done {
		d.logger.Info("card command already processed", zap.String("key", key))
		return nil
	}

	log := d.logger.With(
		zap.Int64("event_id", cmd.EventID),
		zap.Int64("card_number", cmd.CardNumber),
		zap.String("event_type", cmd.EventType))

	switch cmd.EventType {
	case string(workflow.KindIssue):
		err = d.issue(ctx, cmd, log)
	case string(workflow.KindWithdraw):
		err = d.withdraw(ctx, cmd, log)
	case eventTypeExtend:
		err = d.extend(cmd, log)
	case eventTypeState:
		err = d.send(d.builder.CardStateList(cmd.EventID, protocol.NativeCardNumber(cmd.CardNumber)))
	default:
		return fmt.Errorf("%w: unknown event_type %q", broker.ErrDiscard, cmd.EventType)
	}
	if errors.Is(err, workflow.ErrDuplicate) {
		// the first delivery is still running and will settle the message
		log.Warn("card command already in flight")
		return nil
	}
	if err != nil {
		return err
	}

	if err := d.store.MarkProcessed(ctx, key, d.opts.ProcessedTTL); err != nil {
		log.Error("mark command processed failed", zap.Error(err))
	}
	return nil
}

func (d *Dispatcher) issue(ctx context.Context, cmd protocol.CardCommand, log *zap.Logger) error {
	w, err := d.start(cmd, workflow.KindIssue, log)
	if err != nil {
		return err
	}
	start := w.CreatedAt.Add(-d.opts.Backdate)
	end := w.CreatedAt.Add(d.opts.ValidFor)
	if err := d.send(d.builder.AddCard(w.EventID, w.NativeCardNumber, start, end)); err != nil {
		return d.abort(w, err, log)
	}
	return nil
}

// withdraw blocks the card, gives the controller time to apply the block and
// then deletes it.
func (d *Dispatcher) withdraw(ctx context.Context, cmd protocol.CardCommand, log *zap.Logger) error {
	w, err := d.start(cmd, workflow.KindWithdraw, log)
	if err != nil {
		return err
	}
	if err := d.send(d.builder.LoadCard(w.EventID, w.NativeCardNumber)); err != nil {
		return d.abort(w, err, log)
	}
	if err := d.sleep(ctx, d.opts.SettleDelay); err != nil {
		return d.abort(w, err, log)
	}
	tracked, err := d.table.Advance(w.EventID, workflow.StageDelCard)
	if err != nil {
		return d.abort(w, err, log)
	}
	w.Stage = workflow.StageDelCard
	if !tracked {
		// evicted while settling; the card is blocked, so finish the delete
		log.Warn("workflow no longer tracked, deleting card untracked")
		d.transition(w, "orphaned")
		if err := d.send(d.builder.DelCard(w.EventID, w.NativeCardNumber)); err != nil {
			log.Error("delete untracked card failed", zap.Error(err))
			return err
		}
		return nil
	}
	d.transition(w, "advanced")
	if err := d.send(d.builder.DelCard(w.EventID, w.NativeCardNumber)); err != nil {
		return d.abort(w, err, log)
	}
	return nil
}

func (d *Dispatcher) extend(cmd protocol.CardCommand, log *zap.Logger) error {
	now := d.now()
	native := protocol.NativeCardNumber(cmd.CardNumber)
	if err := d.send(d.builder.EditCard(cmd.EventID, native, now.Add(-d.opts.Backdate), now.Add(d.opts.ValidFor))); err != nil {
		return err
	}
	log.Info("card validity extended", zap.Int64("native_card_number", native))
	return nil
}

func (d *Dispatcher) start(cmd protocol.CardCommand, kind workflow.Kind, log *zap.Logger) (workflow.Workflow, error) {
	w := workflow.Workflow{
		EventID:          cmd.EventID,
		CardNumber:       cmd.CardNumber,
		NativeCardNumber: protocol.NativeCardNumber(cmd.CardNumber),
		Kind:             kind,
		Stage:            kind.Stages()[0],
	}
	if err := d.table.Add(w); err != nil {
		return workflow.Workflow{}, err
	}
	w, _ = d.table.Get(cmd.EventID)
	log.Info("workflow started", zap.Int64("native_card_number", w.NativeCardNumber), zap.String("stage", string(w.Stage)))
	d.transition(w, "started")
	return w, nil
}

// abort forgets a workflow whose command could not be delivered so a
// redelivered message can start it again.
func (d *Dispatcher) abort(w workflow.Workflow, err error, log *zap.Logger) error {
	d.table.Remove(w.EventID)
	log.Error("workflow failed", zap.String("stage", string(w.Stage)), zap.Error(err))
	d.transition(w, "failed")
	return err
}
