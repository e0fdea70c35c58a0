package crmclient

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PGTokenStore persists OAuth-mode portal tokens in the crm_oauth_token
// table: one row per portal, stamped UTC and marked active on every
// successful refresh.
type PGTokenStore struct {
	db *sql.DB
}

func NewPGTokenStore(db *sql.DB) *PGTokenStore {
	return &PGTokenStore{db: db}
}

func (s *PGTokenStore) Load(ctx context.Context, portalID string) (Tokens, error) {
	var t Tokens
	err := s.db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at FROM crm_oauth_token WHERE portal_id = $1`,
		portalID,
	).Scan(&t.AccessToken, &t.RefreshToken, &t.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Tokens{}, errors.New("crmclient: no stored tokens for portal " + portalID)
	}
	return t, err
}

func (s *PGTokenStore) Save(ctx context.Context, portalID string, tokens Tokens) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO crm_oauth_token (portal_id, access_token, refresh_token, expires_at, is_active, updated_at)
		 VALUES ($1, $2, $3, $4, true, $5)
		 ON CONFLICT (portal_id) DO UPDATE
		 SET access_token = $2, refresh_token = $3, expires_at = $4, is_active = true, updated_at = $5`,
		portalID, tokens.AccessToken, tokens.RefreshToken, tokens.ExpiresAt, time.Now().UTC(),
	)
	return err
}

// SeedInitial writes a portal's configured bootstrap access/refresh tokens
// if no row exists yet, so a freshly configured OAuth portal can make its
// first call (and hit refresh) before any Save has ever run.
func (s *PGTokenStore) SeedInitial(ctx context.Context, portalID, accessToken, refreshToken string) error {
	if accessToken == "" && refreshToken == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO crm_oauth_token (portal_id, access_token, refresh_token, expires_at, is_active, updated_at)
		 VALUES ($1, $2, $3, now(), true, now())
		 ON CONFLICT (portal_id) DO NOTHING`,
		portalID, accessToken, refreshToken,
	)
	return err
}
