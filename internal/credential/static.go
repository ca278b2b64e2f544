package credential

import (
	"context"
	"fmt"
)

// StaticProvider mints non-expiring material from configuration. It serves
// as both Bootstrapper and Refresher for services that authenticate with a
// fixed identity and secret instead of rotating tokens.
type StaticProvider struct {
	Identity string
	Secret   string
}

// Bootstrap returns material built from the fixed values.
func (p StaticProvider) Bootstrap(_ context.Context, service string) (Material, error) {
	if p.Identity == "" || p.Secret == "" {
		return Material{}, fmt.Errorf("static credential for %s is incomplete", service)
	}
	return Material{
		Service:     service,
		Identity:    p.Identity,
		AccessToken: p.Secret,
	}, nil
}

// Refresh re-mints the same material; static secrets do not rotate.
func (p StaticProvider) Refresh(ctx context.Context, m Material) (Material, error) {
	return p.Bootstrap(ctx, m.Service)
}
