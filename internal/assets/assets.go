// Package assets resolves gated asset paths to their real download
// location after a successful redemption.
package assets

import (
	"context"
	"net/url"
)

type Resolver interface {
	// Resolve returns the URL a redeemed download should redirect to.
	Resolve(ctx context.Context, path string) (string, error)
}

// NewStatic serves assets from a fixed CDN base.
func NewStatic(base string) Resolver {
	return &static{base: base}
}

type static struct {
	base string
}

func (s *static) Resolve(ctx context.Context, path string) (string, error) {
	return url.JoinPath(s.base, path)
}
