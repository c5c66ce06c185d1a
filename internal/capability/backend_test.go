package capability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type detector interface{ ID() string }

type fakeDetector string

func (f fakeDetector) ID() string { return string(f) }

func okProvider(name string) Provider[detector] {
	return ProviderFunc[detector]{ID: name, Fn: func(context.Context) (detector, error) {
		return fakeDetector(name), nil
	}}
}

func failingProvider(name string, calls *int) Provider[detector] {
	return ProviderFunc[detector]{ID: name, Fn: func(context.Context) (detector, error) {
		*calls++
		return nil, ErrUnavailable
	}}
}

func TestResolvePrefersPrimary(t *testing.T) {
	b := Resolve(context.Background(), zap.NewNop(), "face", okProvider("sidecar"), okProvider("cascade"))

	assert.Equal(t, Primary, b.Kind())
	assert.Equal(t, "sidecar", b.Name())
	impl, ok := b.Get()
	assert.True(t, ok)
	assert.Equal(t, "sidecar", impl.ID())
	assert.Equal(t, "face:primary(sidecar)", b.String())
}

func TestResolveFallsBackInOrder(t *testing.T) {
	calls := 0
	b := Resolve(context.Background(), zap.NewNop(), "hand", failingProvider("landmarks", &calls), okProvider("skin"))

	assert.Equal(t, 1, calls)
	assert.Equal(t, Fallback, b.Kind())
	assert.Equal(t, "skin", b.Name())
}

func TestResolveUnavailableWhenNothingWorks(t *testing.T) {
	calls := 0
	b := Resolve[detector](context.Background(), zap.NewNop(), "hand", failingProvider("a", &calls), nil)

	assert.False(t, b.Available())
	assert.Equal(t, Unavailable, b.Kind())
	_, ok := b.Get()
	assert.False(t, ok)
	assert.Equal(t, "hand:unavailable", b.String())
}

func TestStaticUnavailableDropsImpl(t *testing.T) {
	b := Static[detector]("face", Unavailable, "ignored", fakeDetector("x"))
	assert.False(t, b.Available())
	assert.Empty(t, b.Name())
}

func TestErrUnavailableIsSentinel(t *testing.T) {
	wrapped := errors.Join(errors.New("cascade missing"), ErrUnavailable)
	assert.ErrorIs(t, wrapped, ErrUnavailable)
}
