package crmclient

import (
	"context"
	"log/slog"
)

// PortalSpec is the subset of config.CRMPortalSpec the registry needs to
// build a Client, restated here rather than imported to avoid a
// crmclient<->config import cycle (config never needs to know about
// *Client).
type PortalSpec struct {
	Domain            string
	WebhookURL        string
	OAuthClientID     string
	OAuthClientSecret string
	OAuthAccessToken  string
	OAuthRefreshToken string
}

// Registry builds and caches one *Client per configured CRM portal,
// resolving either by portal name (the config key) or by the domain the
// portal reports in its own outbound webhooks — a deal-update
// notification carries auth[domain], not a portal name.
type Registry struct {
	byName   map[string]*Client
	byDomain map[string]string // domain -> portal name
}

// NewRegistry builds a Client for every entry in portals: webhook mode
// when WebhookURL is set, OAuth mode otherwise. OAuth portals get their
// configured bootstrap tokens seeded into store if no row exists yet.
func NewRegistry(ctx context.Context, portals map[string]PortalSpec, store *PGTokenStore, log *slog.Logger) (*Registry, error) {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{byName: map[string]*Client{}, byDomain: map[string]string{}}

	for name, p := range portals {
		r.byDomain[p.Domain] = name

		if p.WebhookURL != "" {
			r.byName[name] = NewWebhookClient(name, p.WebhookURL, log)
			continue
		}

		if store != nil {
			if err := store.SeedInitial(ctx, name, p.OAuthAccessToken, p.OAuthRefreshToken); err != nil {
				return nil, err
			}
		}
		r.byName[name] = NewOAuthClient(name, p.Domain, p.OAuthClientID, p.OAuthClientSecret, store, log)
	}

	return r, nil
}

// Client resolves a CRM client by its configured portal name.
func (r *Registry) Client(portal string) (*Client, bool) {
	c, ok := r.byName[portal]
	return c, ok
}

// ClientByDomain resolves a CRM client by the domain its own webhooks
// report, returning the portal name too since callers (the deal-sync
// composition) key everything else off the name, not the domain.
func (r *Registry) ClientByDomain(domain string) (string, *Client, bool) {
	name, ok := r.byDomain[domain]
	if !ok {
		return "", nil, false
	}
	c, ok := r.byName[name]
	return name, c, ok
}
