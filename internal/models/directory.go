package models

import "github.com/google/uuid"

// Client is a tenant. Managed outside this service.
type Client struct {
	ID     uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	Active bool      `json:"active"`
}

// Site is a publishing target.
type Site struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	SiteURL    string    `json:"site_url"`
	WPRestBase string    `json:"wp_rest_base"`
	Active     bool      `json:"active"`
}

// SiteCredential authenticates against a site's publishing API.
type SiteCredential struct {
	ID          uuid.UUID `json:"id"`
	SiteID      uuid.UUID `json:"site_id"`
	Username    string    `json:"wp_username"`
	AppPassword string    `json:"-"`
	AuthorID    *int64    `json:"author_id,omitempty"`
}
