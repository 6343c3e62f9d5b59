package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"guestpost-automation/internal/models"
)

// Clients, sites and credentials are owned by the admin CRUD surface; this
// service only reads them.

// GetActiveClient returns the client with id, or ErrInactive if it is disabled.
func (s *Store) GetActiveClient(ctx context.Context, id uuid.UUID) (models.Client, error) {
	var c models.Client
	var status string
	err := s.pool.QueryRow(ctx, `SELECT id, name, status FROM clients WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Client{}, fmt.Errorf("client %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Client{}, fmt.Errorf("get client: %w", err)
	}
	c.Active = status == "active"
	if !c.Active {
		return c, fmt.Errorf("client %s: %w", id, ErrInactive)
	}
	return c, nil
}

// FindActiveClientsByName matches names case-insensitively.
func (s *Store) FindActiveClientsByName(ctx context.Context, name string) ([]models.Client, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name FROM clients
		WHERE LOWER(name) = LOWER($1) AND status = 'active'
		ORDER BY created_at
	`, name)
	if err != nil {
		return nil, fmt.Errorf("find clients by name: %w", err)
	}
	defer rows.Close()

	var out []models.Client
	for rows.Next() {
		c := models.Client{Active: true}
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const siteColumns = `id, name, site_url, wp_rest_base, status`

func scanSite(row pgx.Row) (models.Site, error) {
	var site models.Site
	var status string
	if err := row.Scan(&site.ID, &site.Name, &site.SiteURL, &site.WPRestBase, &status); err != nil {
		return models.Site{}, err
	}
	site.Active = status == "active"
	return site, nil
}

// GetActiveSite returns the site with id, or ErrInactive if it is disabled.
func (s *Store) GetActiveSite(ctx context.Context, id uuid.UUID) (models.Site, error) {
	site, err := scanSite(s.pool.QueryRow(ctx, `SELECT `+siteColumns+` FROM sites WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Site{}, fmt.Errorf("site %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Site{}, fmt.Errorf("get site: %w", err)
	}
	if !site.Active {
		return site, fmt.Errorf("site %s: %w", id, ErrInactive)
	}
	return site, nil
}

// ListActiveSites returns every active site ordered by creation.
func (s *Store) ListActiveSites(ctx context.Context) ([]models.Site, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+siteColumns+` FROM sites WHERE status = 'active' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	defer rows.Close()

	var out []models.Site
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan site: %w", err)
		}
		out = append(out, site)
	}
	return out, rows.Err()
}

// LatestEnabledCredential returns the most recently updated enabled credential.
func (s *Store) LatestEnabledCredential(ctx context.Context, siteID uuid.UUID) (models.SiteCredential, error) {
	var cred models.SiteCredential
	var author pgtype.Int8
	err := s.pool.QueryRow(ctx, `
		SELECT id, site_id, wp_username, wp_app_password, author_id
		FROM site_credentials
		WHERE site_id = $1 AND enabled
		ORDER BY updated_at DESC, created_at DESC
		LIMIT 1
	`, siteID).Scan(&cred.ID, &cred.SiteID, &cred.Username, &cred.AppPassword, &author)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SiteCredential{}, fmt.Errorf("site %s: %w", siteID, ErrNoCredential)
	}
	if err != nil {
		return models.SiteCredential{}, fmt.Errorf("get credential: %w", err)
	}
	cred.AuthorID = int8Ptr(author)
	return cred, nil
}

// DefaultCategoryIDs returns the enabled default post categories for a site.
func (s *Store) DefaultCategoryIDs(ctx context.Context, siteID uuid.UUID) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT wp_category_id FROM site_default_categories
		WHERE site_id = $1 AND enabled
		ORDER BY position, wp_category_id
	`, siteID)
	if err != nil {
		return nil, fmt.Errorf("list default categories: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// HasSiteAccess reports whether clientID has been granted access to siteID.
func (s *Store) HasSiteAccess(ctx context.Context, clientID, siteID uuid.UUID) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM client_site_access WHERE client_id = $1 AND site_id = $2 AND enabled
		)
	`, clientID, siteID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check site access: %w", err)
	}
	return ok, nil
}
