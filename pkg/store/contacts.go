package store

import (
	"context"

	"github.com/lumeoapps/portalsync/pkg/wire"
)

// PutContact upserts one contact by id.
func (s *Store) PutContact(ctx context.Context, contact *wire.Contact) {
	if contact.ID == "" {
		s.log.Warn().Msg("Dropping contact without id")
		return
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO contact (id, org_id, display_name, email, avatar_url)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			org_id=excluded.org_id,
			display_name=excluded.display_name,
			email=excluded.email,
			avatar_url=excluded.avatar_url
	`, contact.ID, contact.OrgID, contact.DisplayName, contact.Email, contact.AvatarURL)
	if err != nil {
		s.log.Err(err).Str("contact_id", contact.ID).Msg("Failed to put contact")
	}
}

// PutContacts upserts a batch of contacts.
func (s *Store) PutContacts(ctx context.Context, contacts []*wire.Contact) {
	for _, contact := range contacts {
		s.PutContact(ctx, contact)
	}
}

// GetContact returns the cached contact, or nil if unknown.
func (s *Store) GetContact(ctx context.Context, id string) *wire.Contact {
	var contact wire.Contact
	err := s.db.QueryRow(ctx, `
		SELECT id, org_id, display_name, email, avatar_url FROM contact WHERE id=$1
	`, id).Scan(&contact.ID, &contact.OrgID, &contact.DisplayName, &contact.Email, &contact.AvatarURL)
	if err != nil {
		if !errIsNoRows(err) {
			s.log.Err(err).Str("contact_id", id).Msg("Failed to get contact")
		}
		return nil
	}
	return &contact
}

// ListContactsByOrg returns an org's contacts sorted by display name.
func (s *Store) ListContactsByOrg(ctx context.Context, orgID string) []*wire.Contact {
	rows, err := s.db.Query(ctx, `
		SELECT id, org_id, display_name, email, avatar_url FROM contact
		WHERE org_id=$1
		ORDER BY display_name ASC, id ASC
	`, orgID)
	if err != nil {
		s.log.Err(err).Str("org_id", orgID).Msg("Failed to list contacts")
		return []*wire.Contact{}
	}
	defer rows.Close()
	contacts := make([]*wire.Contact, 0)
	for rows.Next() {
		var contact wire.Contact
		if scanErr := rows.Scan(&contact.ID, &contact.OrgID, &contact.DisplayName,
			&contact.Email, &contact.AvatarURL); scanErr != nil {
			s.log.Err(scanErr).Msg("Failed to scan contact row")
			continue
		}
		contacts = append(contacts, &contact)
	}
	return contacts
}
