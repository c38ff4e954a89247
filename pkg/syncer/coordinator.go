// portalsync - Offline-first message synchronization for the Lumeo portal.
// Copyright (C) 2026 Lumeo Apps
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lumeoapps/portalsync/pkg/presence"
	"github.com/lumeoapps/portalsync/pkg/store"
	"github.com/lumeoapps/portalsync/pkg/transport"
	"github.com/lumeoapps/portalsync/pkg/wire"
)

const (
	defaultPageSize = 200
	// maxPages bounds one backfill run so a bad cursor or a runaway server
	// can't loop forever. The next run resumes from the persisted cursor.
	defaultMaxPages = 500
)

// Config carries the sync settings. Zero values fall back to defaults.
type Config struct {
	PageSize int `yaml:"page_size"`
	MaxPages int `yaml:"max_pages"`
}

func (c *Config) applyDefaults() {
	if c.PageSize <= 0 {
		c.PageSize = defaultPageSize
	}
	if c.MaxPages <= 0 {
		c.MaxPages = defaultMaxPages
	}
}

// Coordinator drives the sync lifecycle: cursor-based backfill of history,
// then live events applied through the same write path, with cursors
// advanced only after each page is safely stored.
type Coordinator struct {
	cfg Config
	log zerolog.Logger

	store     *store.Store
	transport *transport.Client
	presence  *presence.Tracker
	backfill  BackfillClient

	onVisitorMessage func(*wire.WidgetVisitorMessage)
	onSessionUpdate  func(*wire.WidgetSessionUpdate)
}

func New(cfg Config, db *store.Store, client *transport.Client, tracker *presence.Tracker, backfill BackfillClient, log zerolog.Logger) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{
		cfg:       cfg,
		log:       log.With().Str("component", "syncer").Logger(),
		store:     db,
		transport: client,
		presence:  tracker,
		backfill:  backfill,
	}
}

// OnVisitorMessage registers a callback for embedded live-chat-widget
// visitor messages. They are forwarded, not stored.
func (c *Coordinator) OnVisitorMessage(fn func(*wire.WidgetVisitorMessage)) {
	c.onVisitorMessage = fn
}

// OnSessionUpdate registers a callback for live-chat-widget session changes.
func (c *Coordinator) OnSessionUpdate(fn func(*wire.WidgetSessionUpdate)) {
	c.onSessionUpdate = fn
}

// Run performs the initial backfill from the persisted cursors, then wires
// the live event handlers and connects. The local cache is readable the
// whole time; callers can serve stale data while Run catches up.
func (c *Coordinator) Run(ctx context.Context, token string) error {
	c.registerHandlers(ctx)

	counters, err := c.Backfill(ctx)
	if err != nil {
		// History stays at the last durable cursor; live sync still starts.
		c.log.Err(err).Msg("Initial backfill incomplete")
	}
	c.log.Info().
		Int("imported", counters.Imported).
		Int("updated", counters.Updated).
		Int("skipped", counters.Skipped).
		Int("deleted", counters.Deleted).
		Msg("Backfill finished")

	return c.transport.Connect(ctx, token)
}

// Backfill pulls all pages newer than the persisted cursors for both
// streams. Each page's cursor is stored only after its records are, so a
// crash mid-run re-fetches at most one page.
func (c *Coordinator) Backfill(ctx context.Context) (Counters, error) {
	var total Counters
	msgCounters, err := c.backfillMessages(ctx)
	total.add(msgCounters)
	if err != nil {
		return total, fmt.Errorf("message backfill: %w", err)
	}
	contactCounters, err := c.backfillContacts(ctx)
	total.add(contactCounters)
	if err != nil {
		return total, fmt.Errorf("contact backfill: %w", err)
	}
	c.store.SetLastSyncAt(ctx, time.Now().UnixMilli())
	return total, nil
}

func (c *Coordinator) backfillMessages(ctx context.Context) (Counters, error) {
	var counters Counters
	cursor := c.store.Cursor(ctx, StreamMessages)
	for page := 0; page < c.cfg.MaxPages; page++ {
		if ctx.Err() != nil {
			return counters, ctx.Err()
		}
		resp, err := c.backfill.MessagesSince(ctx, cursor, c.cfg.PageSize)
		if err != nil {
			return counters, err
		}
		for _, msg := range resp.Messages {
			c.applyMessage(ctx, msg, &counters)
		}
		if resp.NextCursor != "" && resp.NextCursor != cursor {
			cursor = resp.NextCursor
			c.store.SetCursor(ctx, StreamMessages, cursor)
		}
		if !resp.More {
			return counters, nil
		}
	}
	c.log.Warn().Int("pages", c.cfg.MaxPages).Msg("Message backfill hit page cap")
	return counters, nil
}

func (c *Coordinator) backfillContacts(ctx context.Context) (Counters, error) {
	var counters Counters
	cursor := c.store.Cursor(ctx, StreamContacts)
	for page := 0; page < c.cfg.MaxPages; page++ {
		if ctx.Err() != nil {
			return counters, ctx.Err()
		}
		resp, err := c.backfill.ContactsSince(ctx, cursor, c.cfg.PageSize)
		if err != nil {
			return counters, err
		}
		for _, contact := range resp.Contacts {
			if contact.ID == "" {
				counters.Skipped++
				continue
			}
			c.store.PutContact(ctx, contact)
			counters.Imported++
		}
		if resp.NextCursor != "" && resp.NextCursor != cursor {
			cursor = resp.NextCursor
			c.store.SetCursor(ctx, StreamContacts, cursor)
		}
		if !resp.More {
			return counters, nil
		}
	}
	c.log.Warn().Int("pages", c.cfg.MaxPages).Msg("Contact backfill hit page cap")
	return counters, nil
}

func (c *Coordinator) registerHandlers(ctx context.Context) {
	c.transport.OnConnect(func(userID string) {
		if userID != "" {
			c.store.SetSessionUserID(ctx, userID)
		}
		// Catch up on anything pushed while disconnected. Runs in the
		// background so event reads start immediately; the shared apply
		// path makes the overlap with live events harmless.
		go func() {
			if _, err := c.Backfill(ctx); err != nil {
				c.log.Err(err).Msg("Post-connect backfill incomplete")
			}
		}()
	})
	c.transport.OnDisconnect(func() {
		// Presence snapshots arrive only on a live socket; stale indicators
		// are dropped until the next presence:bulk rebuilds them.
		c.presence.Reset()
	})

	c.transport.OnEvent(wire.EvtMessageNew, c.handleMessage(ctx))
	c.transport.OnEvent(wire.EvtMessageEdited, c.handleMessage(ctx))
	c.transport.OnEvent(wire.EvtMessageDeleted, c.handleMessage(ctx))
	c.transport.OnEvent(wire.EvtMessageRead, func(data []byte) {
		rcpt, err := wire.DecodeReceipt(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("Dropping bad read receipt")
			return
		}
		c.store.ApplyReadReceipt(ctx, rcpt)
	})
	c.transport.OnEvent(wire.EvtMessageDelivered, func(data []byte) {
		rcpt, err := wire.DecodeReceipt(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("Dropping bad delivered receipt")
			return
		}
		c.store.ApplyDeliveredReceipt(ctx, rcpt)
	})
	c.transport.OnEvent(wire.EvtReactionAdded, c.handleReaction(ctx, 1))
	c.transport.OnEvent(wire.EvtReactionRemoved, c.handleReaction(ctx, -1))
	c.transport.OnEvent(wire.EvtTyping, func(data []byte) {
		ev, err := wire.DecodeTyping(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("Dropping bad typing event")
			return
		}
		c.presence.ApplyTyping(ev)
	})
	c.transport.OnEvent(wire.EvtPresence, func(data []byte) {
		ev, err := wire.DecodePresence(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("Dropping bad presence event")
			return
		}
		c.presence.ApplyPresence(ev)
	})
	c.transport.OnEvent(wire.EvtPresenceBulk, func(data []byte) {
		bulk, err := wire.DecodePresenceBulk(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("Dropping bad presence snapshot")
			return
		}
		c.presence.ApplyBulk(bulk)
	})
	c.transport.OnEvent(wire.EvtWidgetVisitorMessage, func(data []byte) {
		ev, err := wire.DecodeVisitorMessage(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("Dropping bad visitor message")
			return
		}
		if c.onVisitorMessage != nil {
			c.onVisitorMessage(ev)
		}
	})
	c.transport.OnEvent(wire.EvtWidgetSessionUpdate, func(data []byte) {
		ev, err := wire.DecodeSessionUpdate(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("Dropping bad session update")
			return
		}
		if c.onSessionUpdate != nil {
			c.onSessionUpdate(ev)
		}
	})
}

func (c *Coordinator) handleMessage(ctx context.Context) transport.Handler {
	return func(data []byte) {
		msg, err := wire.DecodeMessage(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("Dropping bad message event")
			return
		}
		c.applyMessage(ctx, msg, nil)
	}
}

func (c *Coordinator) handleReaction(ctx context.Context, delta int) transport.Handler {
	return func(data []byte) {
		ev, err := wire.DecodeReaction(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("Dropping bad reaction event")
			return
		}
		c.store.ApplyReaction(ctx, ev, delta)
	}
}

// SaveOutgoing caches an outbound message before the application's send path
// runs, so the conversation renders it immediately even offline. The
// server's echo of the sent message later overwrites the pending row under
// the same id.
func (c *Coordinator) SaveOutgoing(ctx context.Context, recipientID, content string) *wire.Message {
	msg := &wire.Message{
		ID:          uuid.NewString(),
		SenderID:    c.store.SessionUserID(),
		RecipientID: recipientID,
		Content:     content,
		CreatedAt:   time.Now().UnixMilli(),
		Pending:     true,
	}
	if recipientID == wire.AssistantConversationID {
		msg.ThreadType = wire.ThreadAssistant
		msg.RecipientID = ""
	}
	c.applyMessage(ctx, msg, nil)
	return msg
}

// Logout disconnects and wipes every cached record, cursor and session
// token. The next Run starts from a cold cache.
func (c *Coordinator) Logout(ctx context.Context) {
	c.transport.Disconnect()
	c.presence.Reset()
	c.store.ClearAll(ctx)
	c.log.Info().Msg("Logged out, local cache cleared")
}
