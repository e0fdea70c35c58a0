package inbound

import (
	"context"
	"errors"
)

// ErrNotImplemented is returned by the stub AvitoAdParser. Listing
// scraping lives outside this service; the interface is the contract.
var ErrNotImplemented = errors.New("inbound: avito ad parsing is not implemented")

// AvitoAd is the parsed subset of an Avito listing page useful as LLM
// context for a lead.
type AvitoAd struct {
	Title       string
	Description string
}

// AvitoAdParser fetches and parses an Avito ad URL referenced by a lead.
type AvitoAdParser interface {
	ParseAvitoAd(ctx context.Context, url string) (AvitoAd, error)
}

// StubAvitoAdParser always returns ErrNotImplemented.
type StubAvitoAdParser struct{}

func (StubAvitoAdParser) ParseAvitoAd(ctx context.Context, url string) (AvitoAd, error) {
	return AvitoAd{}, ErrNotImplemented
}
