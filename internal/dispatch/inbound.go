package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/HsiangNianian/pacs-bridge/internal/db"
	"github.com/HsiangNianian/pacs-bridge/internal/frame"
	"github.com/HsiangNianian/pacs-bridge/internal/metrics"
	"github.com/HsiangNianian/pacs-bridge/internal/protocol"
	"github.com/HsiangNianian/pacs-bridge/internal/workflow"
)

// HandleFrame routes one controller payload. Malformed or unknown frames are
// logged and dropped.
func (d *Dispatcher) HandleFrame(ctx context.Context, payload []byte) {
	var msg protocol.Message
	if err := frame.DecodePayload(payload, &msg); err != nil {
		d.logger.Warn("malformed controller frame", zap.Int("bytes", len(payload)), zap.Error(err))
		return
	}
	cmd := protocol.ParseCommand(msg.Command)
	metrics.FramesReceived.WithLabelValues(cmd.String()).Inc()
	d.logger.Debug("controller frame", zap.String("command", msg.Command), zap.Int64("id", msg.ID))

	switch cmd {
	case protocol.CommandPing:
		if err := d.send(d.builder.Ping()); err != nil {
			d.logger.Warn("ping reply failed", zap.Error(err))
		}
	case protocol.CommandEvents:
		d.handleEvents(ctx, msg.Data)
	case protocol.CommandUserList:
		d.handleUsers(ctx, msg.Data)
	case protocol.CommandAPList:
		d.handleAccessPoints(ctx, msg.Data)
	case protocol.CommandAddCard:
		d.handleCardAck(cmd, msg.ID, workflow.StageAddCard)
	case protocol.CommandDelCard:
		d.handleCardAck(cmd, msg.ID, workflow.StageDelCard)
	case protocol.CommandLoadCard, protocol.CommandEditCard:
		d.logger.Info("card command acknowledged", zap.String("command", cmd.String()), zap.Int64("event_id", msg.ID))
	case protocol.CommandCardStateList:
		d.logger.Info("card state received", zap.Int64("event_id", msg.ID), zap.ByteString("data", msg.Data))
	case protocol.CommandFilterEvents:
		d.logger.Debug("event filter acknowledged")
	default:
		d.logger.Warn("unknown controller command", zap.String("command", msg.Command))
	}
}

func (d *Dispatcher) handleEvents(ctx context.Context, data json.RawMessage) {
	items, err := decodeBatch(data)
	if err != nil {
		d.logger.Warn("malformed events payload", zap.Error(err))
		return
	}

	ids := make([]int64, 0, len(items))
	for i, raw := range items {
		var item protocol.EventItem
		err := frame.DecodePayload(raw, &item)
		if err == nil {
			err = eventItemErr(item)
		}
		var ev db.Event
		if err == nil {
			ev, err = d.eventFromItem(item)
		}
		if err != nil {
			metrics.StoredEvents.WithLabelValues("invalid").Inc()
			d.logger.Warn("skipping invalid event", zap.Int("index", i), zap.Error(err))
			continue
		}
		id, err := d.repo.InsertEvent(ctx, ev)
		if err != nil {
			metrics.StoredEvents.WithLabelValues("failed").Inc()
			d.logger.Error("store event failed", zap.Int("index", i), zap.Error(err))
			continue
		}
		metrics.StoredEvents.WithLabelValues("stored").Inc()
		ids = append(ids, id)
	}

	for _, id := range ids {
		note := protocol.EventNotification{NewPacsEventID: strconv.FormatInt(id, 10)}
		if err := d.pub.Publish(ctx, d.opts.EventsDestination, note); err != nil {
			d.logger.Error("publish event notification failed", zap.Int64("event_id", id), zap.Error(err))
			continue
		}
		d.notifier.Broadcast("event", note)
	}
	d.logger.Info("controller events stored", zap.Int("received", len(items)), zap.Int("stored", len(ids)))
}

// decodeBatch splits a list payload into its items so one malformed item
// cannot take its siblings down with it.
func decodeBatch(data json.RawMessage) ([]json.RawMessage, error) {
	var items []json.RawMessage
	if err := frame.DecodePayload(data, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func eventItemErr(item protocol.EventItem) error {
	switch {
	case item.EvTime == nil || *item.EvTime == "":
		return fmt.Errorf("%w: EvTime", errMissingField)
	case item.EvAddr == nil:
		return fmt.Errorf("%w: EvAddr", errMissingField)
	case item.EvUser == nil:
		return fmt.Errorf("%w: EvUser", errMissingField)
	}
	return nil
}

func (d *Dispatcher) eventFromItem(item protocol.EventItem) (db.Event, error) {
	created, err := protocol.ParseDate(*item.EvTime, d.opts.Location)
	if err != nil {
		return db.Event{}, fmt.Errorf("parse EvTime %q: %w", *item.EvTime, err)
	}
	ev := db.Event{
		Created: created,
		APID:    *item.EvAddr,
		Card:    item.EvCard,
		Code:    item.EvCode,
	}
	// 0 is how the controller reports an event without a card owner
	if *item.EvUser != 0 {
		owner := *item.EvUser
		ev.OwnerID = &owner
	}
	return ev, nil
}

func (d *Dispatcher) handleUsers(ctx context.Context, data json.RawMessage) {
	items, err := decodeBatch(data)
	if err != nil {
		d.logger.Warn("malformed userlist payload", zap.Error(err))
		return
	}
	synced := 0
	for i, raw := range items {
		var item protocol.UserItem
		if err := frame.DecodePayload(raw, &item); err != nil {
			d.logger.Warn("skipping malformed card owner", zap.Int("index", i), zap.Error(err))
			continue
		}
		if item.ID == nil {
			d.logger.Warn("skipping card owner without Id", zap.Int("index", i))
			continue
		}
		owner := db.CardOwner{
			SystemID:   *item.ID,
			FirstName:  item.FirstName,
			SecondName: item.SecondName,
			LastName:   item.LastName,
		}
		if err := d.repo.UpsertCardOwner(ctx, owner); err != nil {
			d.logger.Error("upsert card owner failed", zap.Int64("system_id", owner.SystemID), zap.Error(err))
			continue
		}
		synced++
	}
	d.logger.Info("card owners synchronized", zap.Int("received", len(items)), zap.Int("synced", synced))
}

func (d *Dispatcher) handleAccessPoints(ctx context.Context, data json.RawMessage) {
	items, err := decodeBatch(data)
	if err != nil {
		d.logger.Warn("malformed aplist payload", zap.Error(err))
		return
	}
	synced := 0
	for i, raw := range items {
		var item protocol.AccessPointItem
		if err := frame.DecodePayload(raw, &item); err != nil {
			d.logger.Warn("skipping malformed access point", zap.Int("index", i), zap.Error(err))
			continue
		}
		if item.ID == nil {
			d.logger.Warn("skipping access point without Id", zap.Int("index", i))
			continue
		}
		ap := db.AccessPoint{SystemID: *item.ID, Name: item.Name}
		if err := d.repo.UpsertAccessPoint(ctx, ap); err != nil {
			d.logger.Error("upsert access point failed", zap.Int64("system_id", ap.SystemID), zap.Error(err))
			continue
		}
		synced++
	}
	d.logger.Info("access points synchronized", zap.Int("received", len(items)), zap.Int("synced", synced))
}

// handleCardAck closes a workflow once the controller acknowledges its final
// command. Acknowledgements carry the event id in Id.
func (d *Dispatcher) handleCardAck(cmd protocol.Command, eventID int64, stage workflow.Stage) {
	w, ok := d.table.Complete(eventID, stage)
	if !ok {
		d.logger.Debug("card acknowledgement without pending workflow",
			zap.String("command", cmd.String()), zap.Int64("event_id", eventID))
		return
	}
	d.logger.Info("workflow completed",
		zap.Int64("event_id", w.EventID),
		zap.String("event_type", string(w.Kind)),
		zap.Duration("elapsed", d.now().Sub(w.CreatedAt)))
	d.transition(w, "completed")
}
