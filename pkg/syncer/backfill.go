package syncer

import (
	"context"

	"github.com/lumeoapps/portalsync/pkg/wire"
)

// Cursor stream names. Each stream keeps its own opaque cursor so a failure
// in one never rewinds the other.
const (
	StreamMessages = "messages"
	StreamContacts = "contacts"
)

// MessagePage is one page of historical messages. NextCursor is opaque to
// the client; More signals that another page is available.
type MessagePage struct {
	Messages   []*wire.Message
	NextCursor string
	More       bool
}

// ContactPage is one page of contact records.
type ContactPage struct {
	Contacts   []*wire.Contact
	NextCursor string
	More       bool
}

// BackfillClient fetches history newer than a cursor, page by page. The
// embedding application implements it against its API layer; an empty cursor
// means "from the beginning".
type BackfillClient interface {
	MessagesSince(ctx context.Context, cursor string, limit int) (*MessagePage, error)
	ContactsSince(ctx context.Context, cursor string, limit int) (*ContactPage, error)
}
