package syncer

import (
	"context"

	"github.com/lumeoapps/portalsync/pkg/wire"
)

// Counters summarizes one backfill run.
type Counters struct {
	Imported int
	Updated  int
	Skipped  int
	Deleted  int
}

func (c *Counters) add(other Counters) {
	c.Imported += other.Imported
	c.Updated += other.Updated
	c.Skipped += other.Skipped
	c.Deleted += other.Deleted
}

// applyMessage is the single write path for message records. Backfill pages
// and live push events both land here, so a record seen through both routes
// converges on one row with the last applied event winning. counters may be
// nil for live events.
func (c *Coordinator) applyMessage(ctx context.Context, msg *wire.Message, counters *Counters) {
	if err := msg.Normalize(); err != nil {
		c.log.Warn().Err(err).Str("message_id", msg.ID).Msg("Skipping malformed message")
		if counters != nil {
			counters.Skipped++
		}
		return
	}
	if msg.ThreadType == wire.ThreadAssistant {
		inserted := c.store.PutAssistantMessage(ctx, msg)
		if counters == nil {
			return
		}
		if inserted {
			counters.Imported++
		} else {
			counters.Updated++
		}
		return
	}
	inserted := c.store.PutMessage(ctx, msg)
	if counters == nil {
		return
	}
	switch {
	case msg.IsDeleted():
		counters.Deleted++
	case inserted:
		counters.Imported++
	default:
		counters.Updated++
	}
}
