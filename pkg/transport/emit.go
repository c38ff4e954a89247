package transport

import (
	"context"

	"github.com/lumeoapps/portalsync/pkg/wire"
)

// Outbound events split into two classes. Ephemeral signals (typing,
// heartbeat, drafts, thread membership) are only meaningful in the moment,
// so while disconnected they are dropped and never replayed. Receipts and
// reactions represent durable user intent, so those go into a small bounded
// queue that is flushed right after the next successful handshake.

func (c *Client) emitEphemeral(ctx context.Context, event string, payload any) {
	frame, err := wire.EncodeFrame(event, payload)
	if err != nil {
		c.log.Err(err).Str("event", event).Msg("Failed to encode outbound event")
		return
	}
	if err = c.writeFrame(ctx, frame); err != nil {
		c.log.Debug().Str("event", event).Msg("Dropping ephemeral event while offline")
	}
}

func (c *Client) emitQueued(ctx context.Context, event string, payload any) error {
	frame, err := wire.EncodeFrame(event, payload)
	if err != nil {
		return err
	}
	if err = c.writeFrame(ctx, frame); err == nil {
		return nil
	}
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if len(c.pending) >= c.cfg.PendingQueueSize {
		c.log.Warn().Str("event", event).Msg("Pending emit queue full, dropping oldest")
		c.pending = c.pending[1:]
	}
	c.pending = append(c.pending, frame)
	return nil
}

func (c *Client) flushPending(ctx context.Context) {
	c.pendingMu.Lock()
	queued := c.pending
	c.pending = nil
	c.pendingMu.Unlock()
	if len(queued) == 0 {
		return
	}
	c.log.Info().Int("count", len(queued)).Msg("Flushing queued emits")
	for i, frame := range queued {
		if err := c.writeFrame(ctx, frame); err != nil {
			// The unsent remainder goes back in front of anything queued in
			// the meantime, so the next handshake retries it in order.
			c.pendingMu.Lock()
			c.pending = append(queued[i:len(queued):len(queued)], c.pending...)
			c.pendingMu.Unlock()
			c.log.Err(err).Int("requeued", len(queued)-i).Msg("Failed to flush queued emits")
			return
		}
	}
}

// TypingStart signals that the user started typing in a conversation.
func (c *Client) TypingStart(ctx context.Context, conversationID string) {
	c.emitEphemeral(ctx, wire.EvtTypingStart, &wire.TypingEvent{ConversationID: conversationID, Active: true})
}

// TypingStop signals that the user stopped typing in a conversation.
func (c *Client) TypingStop(ctx context.Context, conversationID string) {
	c.emitEphemeral(ctx, wire.EvtTypingStop, &wire.TypingEvent{ConversationID: conversationID})
}

// MarkRead reports a read receipt. Queued for redelivery if offline.
func (c *Client) MarkRead(ctx context.Context, rcpt *wire.Receipt) error {
	return c.emitQueued(ctx, wire.EvtMessageRead, rcpt)
}

// MarkDelivered reports a delivery receipt. Queued for redelivery if offline.
func (c *Client) MarkDelivered(ctx context.Context, rcpt *wire.Receipt) error {
	return c.emitQueued(ctx, wire.EvtMessageDelivered, rcpt)
}

// AddReaction sends a reaction to a message. Queued for redelivery if offline.
func (c *Client) AddReaction(ctx context.Context, ev *wire.ReactionEvent) error {
	return c.emitQueued(ctx, wire.EvtReactionAdd, ev)
}

// RemoveReaction retracts a reaction. Queued for redelivery if offline.
func (c *Client) RemoveReaction(ctx context.Context, ev *wire.ReactionEvent) error {
	return c.emitQueued(ctx, wire.EvtReactionRemove, ev)
}

// JoinThread subscribes to a conversation's live events.
func (c *Client) JoinThread(ctx context.Context, conversationID string) {
	c.emitEphemeral(ctx, wire.EvtThreadJoin, &wire.ThreadRef{ConversationID: conversationID})
}

// LeaveThread unsubscribes from a conversation's live events.
func (c *Client) LeaveThread(ctx context.Context, conversationID string) {
	c.emitEphemeral(ctx, wire.EvtThreadLeave, &wire.ThreadRef{ConversationID: conversationID})
}

// SaveDraft pushes draft text for server-side persistence. Best effort.
func (c *Client) SaveDraft(ctx context.Context, draft *wire.Draft) {
	c.emitEphemeral(ctx, wire.EvtDraftSave, draft)
}
