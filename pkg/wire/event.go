package wire

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Client → server events.
const (
	EvtAuthInit          = "auth:init"
	EvtTypingStart       = "typing:start"
	EvtTypingStop        = "typing:stop"
	EvtMessageRead       = "message:read"
	EvtMessageDelivered  = "message:delivered"
	EvtPresenceHeartbeat = "presence:heartbeat"
	EvtReactionAdd       = "reaction:add"
	EvtReactionRemove    = "reaction:remove"
	EvtThreadJoin        = "thread:join"
	EvtThreadLeave       = "thread:leave"
	EvtDraftSave         = "draft:save"
)

// Server → client events. message:read and message:delivered are shared
// names with the emit surface; direction disambiguates them.
const (
	EvtAuthAck              = "auth:ack"
	EvtMessageNew           = "message:new"
	EvtMessageEdited        = "message:edited"
	EvtMessageDeleted       = "message:deleted"
	EvtTyping               = "typing"
	EvtPresence             = "presence"
	EvtPresenceBulk         = "presence:bulk"
	EvtReactionAdded        = "reaction:added"
	EvtReactionRemoved      = "reaction:removed"
	EvtWidgetVisitorMessage = "widget:visitor_message"
	EvtWidgetSessionUpdate  = "widget:session_update"
)

// Envelope is the frame format on the push connection: one JSON text frame
// per event, the event name alongside its payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// AuthInit is the handshake payload sent on every (re)connection. Room and
// subscription membership is not assumed to survive a reconnect, so the
// client re-sends this after each successful dial.
type AuthInit struct {
	Token string `json:"token"`
}

// AuthAck is the server's answer to AuthInit.
type AuthAck struct {
	OK     bool   `json:"ok"`
	UserID string `json:"userId,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Receipt acknowledges read or delivery of a message. When MessageID is
// empty the receipt covers the whole conversation up to At.
type Receipt struct {
	MessageID      string `json:"messageId,omitempty"`
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
	At             int64  `json:"at"`
}

// TypingEvent signals typing state in a conversation. There is no guaranteed
// explicit stop event; consumers apply a client-side expiry.
type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Active         bool   `json:"active"`
}

// PresenceEvent is a single user's presence update.
type PresenceEvent struct {
	UserID     string `json:"userId"`
	State      string `json:"state"`
	LastSeenAt int64  `json:"lastSeenAt,omitempty"`
}

// PresenceBulk is the full presence snapshot delivered after (re)connection.
type PresenceBulk struct {
	Entries []PresenceEvent `json:"entries"`
}

// ReactionEvent adds or removes one reaction on a message.
type ReactionEvent struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId,omitempty"`
	UserID         string `json:"userId,omitempty"`
	Reaction       string `json:"reaction"`
}

// ThreadRef names a conversation for join/leave and draft emits.
type ThreadRef struct {
	ConversationID string `json:"conversationId"`
}

// Draft is an autosaved, unsent composition.
type Draft struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	UpdatedAt      int64  `json:"updatedAt"`
}

// WidgetVisitorMessage carries an embedded live-chat-widget message for the
// widget collaborator. The sync core forwards it without storing it.
type WidgetVisitorMessage struct {
	SessionID string  `json:"sessionId"`
	Message   Message `json:"message"`
}

// WidgetSessionUpdate carries a live-chat-widget visitor session change.
type WidgetSessionUpdate struct {
	SessionID string `json:"sessionId"`
	VisitorID string `json:"visitorId,omitempty"`
	State     string `json:"state"`
	UpdatedAt int64  `json:"updatedAt"`
}

// EncodeFrame marshals an outbound envelope.
func EncodeFrame(event string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", event, err)
		}
		raw = b
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", event, err)
	}
	return frame, nil
}

// PeekEvent extracts the event name and raw payload from an inbound frame
// without committing to a payload shape. Returns an empty name for frames
// that are not event envelopes.
func PeekEvent(frame []byte) (name string, data json.RawMessage) {
	name = gjson.GetBytes(frame, "event").Str
	if raw := gjson.GetBytes(frame, "data").Raw; raw != "" {
		data = json.RawMessage(raw)
	}
	return name, data
}

// strictUnmarshal is the typed ingestion boundary: unknown fields are an
// error, not something to guess around. Both transport and backfill records
// pass through here before touching the store.
func strictUnmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("empty payload")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return nil
}

// DecodeAuthAck decodes the handshake reply.
func DecodeAuthAck(data []byte) (*AuthAck, error) {
	var a AuthAck
	if err := strictUnmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decoding auth ack: %w", err)
	}
	return &a, nil
}

// DecodeMessage decodes and normalizes a message payload.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := strictUnmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	if err := m.Normalize(); err != nil {
		return nil, err
	}
	return &m, nil
}

// DecodeReceipt decodes a read or delivered receipt payload.
func DecodeReceipt(data []byte) (*Receipt, error) {
	var r Receipt
	if err := strictUnmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding receipt: %w", err)
	}
	if r.ConversationID == "" && r.MessageID == "" {
		return nil, fmt.Errorf("receipt names neither message nor conversation")
	}
	return &r, nil
}

// DecodeTyping decodes a typing payload.
func DecodeTyping(data []byte) (*TypingEvent, error) {
	var t TypingEvent
	if err := strictUnmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decoding typing event: %w", err)
	}
	if t.ConversationID == "" || t.UserID == "" {
		return nil, fmt.Errorf("typing event missing conversation or user")
	}
	return &t, nil
}

// DecodePresence decodes a single presence update.
func DecodePresence(data []byte) (*PresenceEvent, error) {
	var p PresenceEvent
	if err := strictUnmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding presence event: %w", err)
	}
	if p.UserID == "" {
		return nil, fmt.Errorf("presence event missing user")
	}
	return &p, nil
}

// DecodePresenceBulk decodes a full presence snapshot.
func DecodePresenceBulk(data []byte) (*PresenceBulk, error) {
	var p PresenceBulk
	if err := strictUnmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding presence snapshot: %w", err)
	}
	return &p, nil
}

// DecodeReaction decodes a reaction added/removed payload.
func DecodeReaction(data []byte) (*ReactionEvent, error) {
	var r ReactionEvent
	if err := strictUnmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding reaction event: %w", err)
	}
	if r.MessageID == "" || r.Reaction == "" {
		return nil, fmt.Errorf("reaction event missing message or reaction")
	}
	return &r, nil
}

// DecodeVisitorMessage decodes an embedded widget visitor message.
func DecodeVisitorMessage(data []byte) (*WidgetVisitorMessage, error) {
	var w WidgetVisitorMessage
	if err := strictUnmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decoding visitor message: %w", err)
	}
	return &w, nil
}

// DecodeSessionUpdate decodes a widget visitor session update.
func DecodeSessionUpdate(data []byte) (*WidgetSessionUpdate, error) {
	var w WidgetSessionUpdate
	if err := strictUnmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decoding session update: %w", err)
	}
	return &w, nil
}
