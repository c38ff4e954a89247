// Package presence keeps an in-memory, last-write-wins view of who is
// online and who is typing. Nothing here is persisted: after a reconnect
// the server's bulk snapshot rebuilds the whole picture.
package presence

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lumeoapps/portalsync/pkg/wire"
)

// typingExpiry bounds how long a typing indicator survives without a stop
// event, since the stop is not guaranteed to arrive.
const typingExpiry = 5 * time.Second

const StateOnline = "online"

type entry struct {
	state      string
	lastSeenAt int64
}

// Tracker holds the live presence and typing state.
type Tracker struct {
	log zerolog.Logger

	mu     sync.RWMutex
	users  map[string]entry
	typing map[string]map[string]time.Time

	now func() time.Time
}

func NewTracker(log zerolog.Logger) *Tracker {
	return &Tracker{
		log:    log.With().Str("component", "presence").Logger(),
		users:  make(map[string]entry),
		typing: make(map[string]map[string]time.Time),
		now:    time.Now,
	}
}

// ApplyPresence applies a single presence update. The newest event wins
// unconditionally.
func (t *Tracker) ApplyPresence(ev *wire.PresenceEvent) {
	if ev.UserID == "" {
		return
	}
	t.mu.Lock()
	t.users[ev.UserID] = entry{state: ev.State, lastSeenAt: ev.LastSeenAt}
	t.mu.Unlock()
}

// ApplyBulk replaces the entire presence map with the server snapshot.
// Anyone absent from the snapshot is treated as offline.
func (t *Tracker) ApplyBulk(bulk *wire.PresenceBulk) {
	users := make(map[string]entry, len(bulk.Entries))
	for _, ev := range bulk.Entries {
		if ev.UserID == "" {
			continue
		}
		users[ev.UserID] = entry{state: ev.State, lastSeenAt: ev.LastSeenAt}
	}
	t.mu.Lock()
	t.users = users
	t.mu.Unlock()
	t.log.Debug().Int("users", len(users)).Msg("Applied presence snapshot")
}

// ApplyTyping records a typing start or stop for a user in a conversation.
// A start without a matching stop expires on its own.
func (t *Tracker) ApplyTyping(ev *wire.TypingEvent) {
	if ev.ConversationID == "" || ev.UserID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !ev.Active {
		if conv := t.typing[ev.ConversationID]; conv != nil {
			delete(conv, ev.UserID)
			if len(conv) == 0 {
				delete(t.typing, ev.ConversationID)
			}
		}
		return
	}
	conv := t.typing[ev.ConversationID]
	if conv == nil {
		conv = make(map[string]time.Time)
		t.typing[ev.ConversationID] = conv
	}
	conv[ev.UserID] = t.now().Add(typingExpiry)
}

// Online reports whether the user's last known state is online.
func (t *Tracker) Online(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.users[userID].state == StateOnline
}

// State returns the user's last known presence state, empty if unknown.
func (t *Tracker) State(userID string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.users[userID].state
}

// LastSeenAt returns the user's last-seen timestamp in unix millis, zero if
// unknown.
func (t *Tracker) LastSeenAt(userID string) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.users[userID].lastSeenAt
}

// TypingIn returns the users currently typing in a conversation, with
// expired indicators filtered out.
func (t *Tracker) TypingIn(conversationID string) []string {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	conv := t.typing[conversationID]
	users := make([]string, 0, len(conv))
	for userID, deadline := range conv {
		if now.After(deadline) {
			delete(conv, userID)
			continue
		}
		users = append(users, userID)
	}
	if len(conv) == 0 {
		delete(t.typing, conversationID)
	}
	return users
}

// Reset drops all presence and typing state. Called when the connection is
// lost, since stale indicators are worse than none.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.users = make(map[string]entry)
	t.typing = make(map[string]map[string]time.Time)
	t.mu.Unlock()
}
