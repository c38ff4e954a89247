// portalsync - Offline-first message synchronization for the Lumeo portal.
// Copyright (C) 2026 Lumeo Apps
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/lumeoapps/portalsync/pkg/wire"
)

const (
	defaultMinBackoff        = 1 * time.Second
	defaultMaxBackoff        = 30 * time.Second
	defaultDialTimeout       = 15 * time.Second
	defaultHandshakeTimeout  = 10 * time.Second
	defaultHeartbeatInterval = 25 * time.Second
	defaultPendingQueueSize  = 64
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrHandshake    = errors.New("handshake rejected")
)

// Config carries the transport settings. Zero values fall back to defaults.
type Config struct {
	URL               string   `yaml:"url"`
	Token             string   `yaml:"token"`
	MinBackoff        Duration `yaml:"min_backoff"`
	MaxBackoff        Duration `yaml:"max_backoff"`
	DialTimeout       Duration `yaml:"dial_timeout"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	PendingQueueSize  int      `yaml:"pending_queue_size"`
}

func (c *Config) applyDefaults() {
	if c.MinBackoff <= 0 {
		c.MinBackoff = Duration(defaultMinBackoff)
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = Duration(defaultMaxBackoff)
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = Duration(defaultDialTimeout)
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = Duration(defaultHeartbeatInterval)
	}
	if c.PendingQueueSize <= 0 {
		c.PendingQueueSize = defaultPendingQueueSize
	}
}

// Handler receives the data payload of one inbound event.
type Handler func(data []byte)

// wsConn is the subset of the websocket connection the client uses,
// injectable for tests.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

type dialFunc func(ctx context.Context, url string) (wsConn, error)

func defaultDial(ctx context.Context, url string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Client maintains one authenticated websocket to the sync gateway. It
// reconnects forever with capped exponential backoff and repeats the auth
// handshake exactly once per successful dial.
type Client struct {
	cfg Config
	log zerolog.Logger

	dial dialFunc

	mu       sync.Mutex
	state    State
	running  bool
	conn     wsConn
	stopChan chan struct{}
	wg       sync.WaitGroup

	writeMu sync.Mutex

	handlerMu sync.RWMutex
	handlers  map[string]Handler

	userID string

	onConnect    func(userID string)
	onDisconnect func()

	pendingMu sync.Mutex
	pending   [][]byte

	heartbeat heartbeater

	handshakes atomic.Int64
}

func NewClient(cfg Config, log zerolog.Logger) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:      cfg,
		log:      log.With().Str("component", "transport").Logger(),
		dial:     defaultDial,
		handlers: make(map[string]Handler),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnEvent registers the handler for a server event name. A second
// registration for the same name replaces the first.
func (c *Client) OnEvent(event string, handler Handler) {
	c.handlerMu.Lock()
	c.handlers[event] = handler
	c.handlerMu.Unlock()
}

// OnConnect registers a callback invoked after every successful handshake,
// including reconnects. It receives the user id the server authenticated.
func (c *Client) OnConnect(fn func(userID string)) {
	c.mu.Lock()
	c.onConnect = fn
	c.mu.Unlock()
}

// UserID returns the user id from the most recent successful handshake.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// OnDisconnect registers a callback invoked when an established connection
// drops.
func (c *Client) OnDisconnect(fn func()) {
	c.mu.Lock()
	c.onDisconnect = fn
	c.mu.Unlock()
}

// Connect starts the connection loop with the given auth token. Calling it
// while already running is a no-op, so repeated calls never stack sessions
// or duplicate streams.
func (c *Client) Connect(ctx context.Context, token string) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		c.log.Debug().Msg("Connect called while already running, ignoring")
		return nil
	}
	if token != "" {
		c.cfg.Token = token
	}
	c.running = true
	c.state = StateConnecting
	c.stopChan = make(chan struct{})
	stop := c.stopChan
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(ctx, stop)
	return nil
}

// Disconnect stops the loop and closes the socket. It does not trigger
// reconnection; a fresh Connect is required afterwards.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopChan)
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	c.wg.Wait()
	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
	c.log.Info().Msg("Disconnected")
}

func (c *Client) run(ctx context.Context, stop <-chan struct{}) {
	defer c.wg.Done()
	// Whatever ends the loop, the client is no longer running. This covers
	// parent ctx cancellation, where Disconnect never gets a chance to
	// settle the state.
	defer func() {
		c.mu.Lock()
		c.running = false
		c.state = StateDisconnected
		c.mu.Unlock()
	}()
	backoff := c.cfg.MinBackoff.Duration()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		conn, err := c.dialAndHandshake(ctx)
		if err != nil {
			c.log.Err(err).Dur("retry_in", backoff).Msg("Connection attempt failed")
			c.mu.Lock()
			if c.running {
				c.state = StateReconnecting
			}
			c.mu.Unlock()
			if !c.sleep(ctx, stop, backoff) {
				return
			}
			backoff = nextBackoff(backoff, c.cfg.MaxBackoff.Duration())
			continue
		}

		c.mu.Lock()
		if !c.running {
			c.mu.Unlock()
			_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
			return
		}
		c.conn = conn
		c.state = StateConnected
		c.mu.Unlock()
		backoff = c.cfg.MinBackoff.Duration()
		c.log.Info().Msg("Connected and authenticated")

		c.flushPending(ctx)
		c.mu.Lock()
		onConnect := c.onConnect
		c.mu.Unlock()
		if onConnect != nil {
			onConnect(c.UserID())
		}

		readErr := c.readLoop(ctx, conn, stop)

		c.mu.Lock()
		stopped := !c.running
		c.conn = nil
		if !stopped {
			c.state = StateReconnecting
		}
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		if stopped {
			return
		}
		c.log.Err(readErr).Msg("Connection lost, reconnecting")
		c.mu.Lock()
		onDisconnect := c.onDisconnect
		c.mu.Unlock()
		if onDisconnect != nil {
			onDisconnect()
		}
		if !c.sleep(ctx, stop, backoff) {
			return
		}
		backoff = nextBackoff(backoff, c.cfg.MaxBackoff.Duration())
	}
}

func (c *Client) dialAndHandshake(ctx context.Context) (wsConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout.Duration())
	defer cancel()
	conn, err := c.dial(dialCtx, c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	hsCtx, hsCancel := context.WithTimeout(ctx, defaultHandshakeTimeout)
	defer hsCancel()
	frame, err := wire.EncodeFrame(wire.EvtAuthInit, &wire.AuthInit{Token: c.cfg.Token})
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "")
		return nil, err
	}
	if err = conn.Write(hsCtx, websocket.MessageText, frame); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "")
		return nil, fmt.Errorf("send auth: %w", err)
	}
	_, resp, err := conn.Read(hsCtx)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "")
		return nil, fmt.Errorf("read auth ack: %w", err)
	}
	event, data := wire.PeekEvent(resp)
	if event != wire.EvtAuthAck {
		_ = conn.Close(websocket.StatusPolicyViolation, "unexpected handshake reply")
		return nil, fmt.Errorf("%w: got %q instead of ack", ErrHandshake, event)
	}
	ack, err := wire.DecodeAuthAck(data)
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "bad handshake reply")
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if !ack.OK {
		_ = conn.Close(websocket.StatusPolicyViolation, "auth rejected")
		return nil, fmt.Errorf("%w: %s", ErrHandshake, ack.Error)
	}
	c.mu.Lock()
	c.userID = ack.UserID
	c.mu.Unlock()
	c.handshakes.Add(1)
	return conn, nil
}

func (c *Client) readLoop(ctx context.Context, conn wsConn, stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		_, frame, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		c.dispatch(frame)
	}
}

func (c *Client) dispatch(frame []byte) {
	event, data := wire.PeekEvent(frame)
	if event == "" {
		c.log.Warn().Msg("Dropping frame without event name")
		return
	}
	c.handlerMu.RLock()
	handler := c.handlers[event]
	c.handlerMu.RUnlock()
	if handler == nil {
		c.log.Debug().Str("event", event).Msg("No handler for event")
		return
	}
	handler(data)
}

func (c *Client) sleep(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-stop:
		return false
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// nextBackoff doubles the delay, adds up to 10% jitter and clamps at max.
func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		next = max
	}
	return next + time.Duration(rand.Int63n(int64(next)/10+1))
}

func (c *Client) writeFrame(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.Write(ctx, websocket.MessageText, frame)
}
