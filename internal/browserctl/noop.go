package browserctl

import (
	"context"

	"github.com/lewta/drone-orchd/internal/paramtree"
)

// Noop is a Controller that performs no real browser automation, for use in
// tests and in deployments that accept interventions without screenshot
// evidence (config.InterventionConfig.AttachScreenshot == false).
type Noop struct{}

func (Noop) Screenshot(ctx context.Context) (string, error) { return "", nil }
func (Noop) CurrentURL(ctx context.Context) (string, error) { return "", nil }
func (Noop) DOMContext(ctx context.Context) (paramtree.Value, error) {
	return paramtree.Null, nil
}
func (Noop) EnableInteraction(ctx context.Context) error  { return nil }
func (Noop) DisableInteraction(ctx context.Context) error { return nil }
func (Noop) Close()                                       {}
