// Package capability resolves which concrete detector backs a detector
// family. Resolution happens once at startup; the resulting Backend is a
// plain value that many validation calls may read concurrently.
package capability

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Kind tags how a detector family is served.
type Kind int

const (
	Unavailable Kind = iota
	Primary
	Fallback
)

func (k Kind) String() string {
	switch k {
	case Primary:
		return "primary"
	case Fallback:
		return "fallback"
	default:
		return "unavailable"
	}
}

// ErrUnavailable is what a Provider returns when its runtime dependency is missing.
var ErrUnavailable = errors.New("capability unavailable")

// Provider offers one backend implementation for a family.
type Provider[T any] interface {
	Name() string
	// Probe constructs the backend or reports why it cannot be used.
	Probe(ctx context.Context) (T, error)
}

// ProviderFunc adapts a function into a Provider.
type ProviderFunc[T any] struct {
	ID string
	Fn func(ctx context.Context) (T, error)
}

func (p ProviderFunc[T]) Name() string                         { return p.ID }
func (p ProviderFunc[T]) Probe(ctx context.Context) (T, error) { return p.Fn(ctx) }

// Backend is the resolved variant: Primary(impl), Fallback(impl) or Unavailable.
type Backend[T any] struct {
	kind   Kind
	name   string
	family string
	impl   T
}

// None returns an Unavailable backend for family.
func None[T any](family string) Backend[T] {
	return Backend[T]{kind: Unavailable, family: family}
}

// Static builds an already-resolved backend, mostly for tests and explicit wiring.
func Static[T any](family string, kind Kind, name string, impl T) Backend[T] {
	if kind == Unavailable {
		return None[T](family)
	}
	return Backend[T]{kind: kind, name: name, family: family, impl: impl}
}

func (b Backend[T]) Kind() Kind      { return b.kind }
func (b Backend[T]) Name() string    { return b.name }
func (b Backend[T]) Family() string  { return b.family }
func (b Backend[T]) Available() bool { return b.kind != Unavailable }
func (b Backend[T]) Get() (T, bool)  { return b.impl, b.kind != Unavailable }

func (b Backend[T]) String() string {
	if b.kind == Unavailable {
		return fmt.Sprintf("%s:unavailable", b.family)
	}
	return fmt.Sprintf("%s:%s(%s)", b.family, b.kind, b.name)
}

// Resolve probes primary, then fallback, and returns the first that works.
// A nil provider is skipped. Probe failures are logged, never returned.
func Resolve[T any](ctx context.Context, logger *zap.Logger, family string, primary, fallback Provider[T]) Backend[T] {
	log := logger.With(zap.String("family", family))

	ordered := []struct {
		kind Kind
		p    Provider[T]
	}{
		{Primary, primary},
		{Fallback, fallback},
	}
	for _, cand := range ordered {
		if cand.p == nil {
			continue
		}
		impl, err := cand.p.Probe(ctx)
		if err != nil {
			log.Warn("detector backend not usable",
				zap.String("backend", cand.p.Name()),
				zap.String("kind", cand.kind.String()),
				zap.Error(err))
			continue
		}
		log.Info("detector backend resolved",
			zap.String("backend", cand.p.Name()),
			zap.String("kind", cand.kind.String()))
		return Backend[T]{kind: cand.kind, name: cand.p.Name(), family: family, impl: impl}
	}

	log.Warn("no detector backend available; stage will be skipped")
	return None[T](family)
}
