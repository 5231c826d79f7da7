package storygen

import (
	"context"
	"errors"
	"fmt"
)

// FallbackGenerator tries a primary generator and falls back on error.
// Context cancellation is never retried against the fallback: the turn is
// already over.
type FallbackGenerator struct {
	primary  Generator
	fallback Generator
}

func NewFallbackGenerator(primary, fallback Generator) *FallbackGenerator {
	return &FallbackGenerator{
		primary:  primary,
		fallback: fallback,
	}
}

// Primary returns the preferred generator used before fallback.
func (g *FallbackGenerator) Primary() Generator {
	if g == nil {
		return nil
	}
	return g.primary
}

// Secondary returns the fallback generator.
func (g *FallbackGenerator) Secondary() Generator {
	if g == nil {
		return nil
	}
	return g.fallback
}

// Close releases backend clients held by either generator.
func (g *FallbackGenerator) Close() error {
	if g == nil {
		return nil
	}
	var firstErr error
	for _, gen := range []Generator{g.primary, g.fallback} {
		if c, ok := gen.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (g *FallbackGenerator) GenerateScene(ctx context.Context, req Request, onDelta DeltaHandler) (Scene, error) {
	if g == nil || g.primary == nil {
		if g != nil && g.fallback != nil {
			return g.fallback.GenerateScene(ctx, req, onDelta)
		}
		return Scene{}, fmt.Errorf("fallback generator misconfigured")
	}

	scene, err := g.primary.GenerateScene(ctx, req, onDelta)
	if err == nil {
		return scene, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Scene{}, err
	}
	if g.fallback == nil {
		return Scene{}, err
	}

	scene, fallbackErr := g.fallback.GenerateScene(ctx, req, onDelta)
	if fallbackErr != nil {
		return Scene{}, fmt.Errorf("primary generator error: %w; fallback generator error: %v", err, fallbackErr)
	}
	return scene, nil
}
