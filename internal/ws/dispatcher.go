package ws

import (
	"context"
	"log"

	"messaging-service/internal/models"
	"messaging-service/internal/observability"
	"messaging-service/internal/store"
)

// Dispatcher consumes persisted events from the store and fans them out to
// participant connections. Delivery to each connection is independent and
// best-effort; a slow connection never blocks the others.
type Dispatcher struct {
	registry *Registry
	store    *store.Store
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(registry *Registry, st *store.Store) *Dispatcher {
	return &Dispatcher{registry: registry, store: st}
}

// Run drains the store's event stream until the context ends.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.store.Events():
			d.fanout(ctx, ev)
		}
	}
}

func (d *Dispatcher) fanout(ctx context.Context, ev store.Event) {
	switch ev.Kind {
	case store.EventMessage:
		d.fanoutMessage(ctx, ev)
	case store.EventReadReceipt:
		frame := &models.OutboundFrame{
			Type:           models.FrameReadReceipt,
			ConversationID: ev.ConversationID,
			UserID:         ev.ReaderID,
			Payload:        ev.MessageIDs,
		}
		d.push(ev.ParticipantIDs, "", frame)
		observability.IncWSEvent("fanout", "read_receipt")
	case store.EventConversationCreated:
		frame := &models.OutboundFrame{
			Type:           models.FrameConversation,
			ConversationID: ev.ConversationID,
			Payload:        ev.ParticipantIDs,
		}
		d.push(ev.ParticipantIDs, "", frame)
		observability.IncWSEvent("fanout", "conversation_created")
	}
}

func (d *Dispatcher) fanoutMessage(ctx context.Context, ev store.Event) {
	frame := &models.OutboundFrame{
		Type:           models.FrameMessage,
		ConversationID: ev.ConversationID,
		Message:        ev.Message,
	}

	reachedRecipient := false
	for _, userID := range ev.ParticipantIDs {
		conns := d.registry.Connections(userID)
		if len(conns) > 0 && userID != ev.Message.SenderID {
			reachedRecipient = true
		}
		for _, c := range conns {
			c.Enqueue(frame)
		}
	}
	observability.IncWSEvent("fanout", "message")

	_ = observability.PublishEvent(ctx, observability.RoutingKeyMessages, observability.EventEnvelope{
		EventType: "message_events",
		EventName: "message_accepted",
		Payload: map[string]interface{}{
			"message_id":      ev.Message.ID,
			"conversation_id": ev.ConversationID,
			"sender_id":       ev.Message.SenderID,
			"message_type":    string(ev.Message.MessageType),
		},
	}, nil)

	if reachedRecipient {
		if err := d.store.MarkDelivered(ctx, ev.Message.ID); err != nil {
			log.Printf("dispatcher: mark delivered %s: %v", ev.Message.ID, err)
		}
	}
}

// BroadcastTyping forwards a typing indicator to the other participants.
// Offline participants are silently skipped.
func (d *Dispatcher) BroadcastTyping(conversationID, typistID string, participantIDs []string) {
	frame := &models.OutboundFrame{
		Type:           models.FrameTyping,
		ConversationID: conversationID,
		UserID:         typistID,
	}
	d.push(participantIDs, typistID, frame)
	observability.IncWSEvent("fanout", "typing")
}

// BroadcastPresence announces a presence transition to every other connected
// user.
func (d *Dispatcher) BroadcastPresence(status models.UserStatus) {
	frame := &models.OutboundFrame{
		Type:    models.FramePresence,
		UserID:  status.UserID,
		Status:  string(status.OnlineStatus),
		Payload: status,
	}
	for _, c := range d.registry.All() {
		if c.UserID() == status.UserID {
			continue
		}
		c.Enqueue(frame)
	}
	observability.IncWSEvent("fanout", "presence")
}

func (d *Dispatcher) push(participantIDs []string, skipUserID string, frame *models.OutboundFrame) {
	for _, userID := range participantIDs {
		if skipUserID != "" && userID == skipUserID {
			continue
		}
		for _, c := range d.registry.Connections(userID) {
			c.Enqueue(frame)
		}
	}
}
