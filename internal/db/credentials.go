package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CredentialRow is one persisted credential pair, keyed by API domain.
type CredentialRow struct {
	Domain          string
	AccessToken     string
	RefreshToken    string
	AccessExpiresAt time.Time
	UpdatedAt       time.Time
}

// GetCredentials returns the row for domain, or (nil, nil) when none exists.
func (d *DB) GetCredentials(domain string) (*CredentialRow, error) {
	if d == nil || d.conn == nil {
		return nil, fmt.Errorf("db is not open")
	}
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return nil, fmt.Errorf("domain is required")
	}

	var (
		row       CredentialRow
		expiresAt sql.NullTime
	)
	err := d.conn.QueryRow(`
SELECT domain, access_token, refresh_token, access_expires_at, updated_at
FROM credentials
WHERE domain = ?`, domain).Scan(&row.Domain, &row.AccessToken, &row.RefreshToken, &expiresAt, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials for %s: %w", domain, err)
	}
	if expiresAt.Valid {
		row.AccessExpiresAt = expiresAt.Time.UTC()
	}
	row.UpdatedAt = row.UpdatedAt.UTC()
	return &row, nil
}

// PutCredentials upserts the full row.
func (d *DB) PutCredentials(row CredentialRow) error {
	if d == nil || d.conn == nil {
		return fmt.Errorf("db is not open")
	}
	if strings.TrimSpace(row.Domain) == "" {
		return fmt.Errorf("domain is required")
	}

	_, err := d.conn.Exec(`
INSERT INTO credentials (domain, access_token, refresh_token, access_expires_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(domain) DO UPDATE SET
    access_token = excluded.access_token,
    refresh_token = excluded.refresh_token,
    access_expires_at = excluded.access_expires_at,
    updated_at = excluded.updated_at`,
		row.Domain, row.AccessToken, row.RefreshToken, nullTime(row.AccessExpiresAt), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("write credentials for %s: %w", row.Domain, err)
	}
	return nil
}

// UpdateAccessToken replaces only the access half of an existing row.
// It reports sql.ErrNoRows when the domain has no stored pair.
func (d *DB) UpdateAccessToken(domain, access string, expiresAt time.Time) error {
	if d == nil || d.conn == nil {
		return fmt.Errorf("db is not open")
	}

	res, err := d.conn.Exec(`
UPDATE credentials
SET access_token = ?, access_expires_at = ?, updated_at = ?
WHERE domain = ?`, access, nullTime(expiresAt), time.Now().UTC(), domain)
	if err != nil {
		return fmt.Errorf("update access token for %s: %w", domain, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update access token for %s: %w", domain, err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// RotateCredentials replaces the pair for row.Domain only while the stored
// refresh token still equals expectedRefresh. It reports sql.ErrNoRows when
// the row is gone or holds a different refresh token.
func (d *DB) RotateCredentials(expectedRefresh string, row CredentialRow) error {
	if d == nil || d.conn == nil {
		return fmt.Errorf("db is not open")
	}

	res, err := d.conn.Exec(`
UPDATE credentials
SET access_token = ?, refresh_token = ?, access_expires_at = ?, updated_at = ?
WHERE domain = ? AND refresh_token = ?`,
		row.AccessToken, row.RefreshToken, nullTime(row.AccessExpiresAt), time.Now().UTC(),
		row.Domain, expectedRefresh)
	if err != nil {
		return fmt.Errorf("rotate credentials for %s: %w", row.Domain, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rotate credentials for %s: %w", row.Domain, err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteCredentials removes the row for domain. Missing rows are not an error.
func (d *DB) DeleteCredentials(domain string) error {
	if d == nil || d.conn == nil {
		return fmt.Errorf("db is not open")
	}
	if _, err := d.conn.Exec(`DELETE FROM credentials WHERE domain = ?`, domain); err != nil {
		return fmt.Errorf("delete credentials for %s: %w", domain, err)
	}
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
