package database

import (
	"database/sql"
	"fmt"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/types"
)

const contactColumns = `
	c.inbox_id, c.primary_address, c.preferred_name, c.preferred_avatar, c.name, c.avatar,
	c.last_synced_at, c.source, c.metadata`

// InitContactsTable creates the contacts table and its address index.
// Every address belongs to at most one inbox id.
func (sqlm *SQLiteManager) InitContactsTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS contacts (
		inbox_id TEXT PRIMARY KEY,
		primary_address TEXT,
		preferred_name TEXT,
		preferred_avatar TEXT,
		name TEXT,
		avatar TEXT,
		last_synced_at INTEGER DEFAULT 0,
		source TEXT NOT NULL DEFAULT 'inbox',
		metadata TEXT,
		updated_at INTEGER DEFAULT (strftime('%s', 'now'))
	);

	CREATE TABLE IF NOT EXISTS contact_addresses (
		address TEXT PRIMARY KEY,
		inbox_id TEXT NOT NULL,
		position INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (inbox_id) REFERENCES contacts(inbox_id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_contact_addresses_inbox ON contact_addresses(inbox_id);
	`
	_, err := sqlm.db.Exec(query)
	return err
}

// SaveContact upserts a contact and replaces its address index in one transaction.
func (sqlm *SQLiteManager) SaveContact(c *types.Contact) error {
	if c.InboxID.IsZero() {
		return fmt.Errorf("contact without inbox id")
	}
	metadata, err := encodeJSON(c.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode contact metadata: %w", err)
	}

	tx, err := sqlm.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
	INSERT INTO contacts (inbox_id, primary_address, preferred_name, preferred_avatar, name, avatar,
		last_synced_at, source, metadata, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, strftime('%s', 'now'))
	ON CONFLICT(inbox_id) DO UPDATE SET
		primary_address = excluded.primary_address,
		preferred_name = excluded.preferred_name,
		preferred_avatar = excluded.preferred_avatar,
		name = excluded.name,
		avatar = excluded.avatar,
		last_synced_at = excluded.last_synced_at,
		source = excluded.source,
		metadata = excluded.metadata,
		updated_at = excluded.updated_at
	`,
		c.InboxID.String(),
		nullString(c.PrimaryAddress.String()),
		nullString(c.PreferredName),
		nullString(c.PreferredAvatar),
		nullString(c.Name),
		nullString(c.Avatar),
		toMillis(c.LastSyncedAt),
		string(c.Source),
		metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to save contact: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM contact_addresses WHERE inbox_id = ?`, c.InboxID.String()); err != nil {
		return fmt.Errorf("failed to clear contact addresses: %w", err)
	}
	addrs := types.Addresses{c.PrimaryAddress}.Merge(c.Addresses...)
	for i, a := range addrs {
		if a.IsZero() {
			continue
		}
		// an address moving to a new inbox id leaves its previous owner
		_, err := tx.Exec(`
		INSERT INTO contact_addresses (address, inbox_id, position) VALUES (?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET inbox_id = excluded.inbox_id, position = excluded.position
		`, a.String(), c.InboxID.String(), i)
		if err != nil {
			return fmt.Errorf("failed to index contact address %s: %w", a, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit contact: %w", err)
	}
	return nil
}

func (sqlm *SQLiteManager) loadAddresses(c *types.Contact) error {
	rows, err := sqlm.db.Query(`SELECT address FROM contact_addresses WHERE inbox_id = ? ORDER BY position`, c.InboxID.String())
	if err != nil {
		return err
	}
	defer rows.Close()

	var addrs types.Addresses
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return err
		}
		addrs = append(addrs, types.Address(a))
	}
	c.Addresses = addrs
	return rows.Err()
}

func scanContact(row rowScanner) (*types.Contact, error) {
	var (
		c                             types.Contact
		inboxID, source               string
		primary, prefName, prefAvatar sql.NullString
		name, avatar, metadata        sql.NullString
		lastSynced                    int64
	)
	if err := row.Scan(&inboxID, &primary, &prefName, &prefAvatar, &name, &avatar, &lastSynced, &source, &metadata); err != nil {
		return nil, err
	}
	c.InboxID = types.InboxID(inboxID)
	c.PrimaryAddress = types.Address(scanNullableString(primary))
	c.PreferredName = scanNullableString(prefName)
	c.PreferredAvatar = scanNullableString(prefAvatar)
	c.Name = scanNullableString(name)
	c.Avatar = scanNullableString(avatar)
	c.LastSyncedAt = fromMillis(lastSynced)
	c.Source = types.ContactSource(source)
	if err := decodeJSON(metadata, &c.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata of %s: %w", inboxID, err)
	}
	return &c, nil
}

func (sqlm *SQLiteManager) withAddresses(c *types.Contact, err error) (*types.Contact, error) {
	if err != nil || c == nil {
		return c, err
	}
	if err := sqlm.loadAddresses(c); err != nil {
		return nil, fmt.Errorf("failed to load addresses of %s: %w", c.InboxID, err)
	}
	return c, nil
}

// GetContactByInboxID returns the contact or nil.
func (sqlm *SQLiteManager) GetContactByInboxID(id types.InboxID) (*types.Contact, error) {
	return sqlm.withAddresses(QueryRowSingle(sqlm.db,
		`SELECT `+contactColumns+` FROM contacts c WHERE c.inbox_id = ?`,
		func(row *sql.Row) (*types.Contact, error) { return scanContact(row) },
		sqlm.logger, category, id.String()))
}

// GetContactByAddress finds the contact owning a (normalized) address, or nil.
func (sqlm *SQLiteManager) GetContactByAddress(addr types.Address) (*types.Contact, error) {
	return sqlm.withAddresses(QueryRowSingle(sqlm.db,
		`SELECT `+contactColumns+` FROM contacts c
		 JOIN contact_addresses a ON a.inbox_id = c.inbox_id
		 WHERE a.address = ?`,
		func(row *sql.Row) (*types.Contact, error) { return scanContact(row) },
		sqlm.logger, category, addr.String()))
}

// ListContacts returns every contact with its addresses.
func (sqlm *SQLiteManager) ListContacts() ([]*types.Contact, error) {
	contacts, err := QueryRows(sqlm.db,
		`SELECT `+contactColumns+` FROM contacts c ORDER BY c.inbox_id`,
		func(rows *sql.Rows) (*types.Contact, error) { return scanContact(rows) },
		sqlm.logger, category)
	if err != nil {
		return nil, err
	}
	for _, c := range contacts {
		if err := sqlm.loadAddresses(c); err != nil {
			return nil, fmt.Errorf("failed to load addresses of %s: %w", c.InboxID, err)
		}
	}
	return contacts, nil
}

// DeleteContact removes a contact; its address index is cascade deleted.
func (sqlm *SQLiteManager) DeleteContact(id types.InboxID) error {
	if _, err := sqlm.db.Exec(`DELETE FROM contacts WHERE inbox_id = ?`, id.String()); err != nil {
		return fmt.Errorf("failed to delete contact: %w", err)
	}
	return nil
}
