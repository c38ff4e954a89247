package transport

import (
	"context"
	"sync"
	"time"

	"github.com/lumeoapps/portalsync/pkg/wire"
)

// The heartbeat payload is empty: the authenticated socket already
// identifies the user and the server stamps arrival time itself.

type heartbeater struct {
	sync.Mutex
	stop chan struct{}
}

// StartHeartbeat begins sending presence heartbeats at the configured fixed
// interval. Beats are ephemeral: while disconnected they are skipped, not
// accumulated, so a reconnect never bursts stale heartbeats.
func (c *Client) StartHeartbeat(ctx context.Context) {
	c.heartbeat.Lock()
	defer c.heartbeat.Unlock()
	if c.heartbeat.stop != nil {
		return
	}
	stop := make(chan struct{})
	c.heartbeat.stop = stop
	go c.heartbeatLoop(ctx, stop)
}

// StopHeartbeat stops the heartbeat ticker.
func (c *Client) StopHeartbeat() {
	c.heartbeat.Lock()
	defer c.heartbeat.Unlock()
	if c.heartbeat.stop == nil {
		return
	}
	close(c.heartbeat.stop)
	c.heartbeat.stop = nil
}

func (c *Client) heartbeatLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval.Duration())
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.emitEphemeral(ctx, wire.EvtPresenceHeartbeat, nil)
		}
	}
}
