package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryDefaultFallsBackToFirstRegistered(t *testing.T) {
	r := NewRegistry()
	p := NewStubProvider(nil)
	r.Register("stub", p, false)

	got, err := r.Default()
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestRegistryGetUnknownErrors(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("missing")
	assert.Error(t, err)
}

func TestModelRouterPrefersMatchingRule(t *testing.T) {
	r := NewRegistry()
	fast := NewNamedStubProvider("fast", func(ctx context.Context, req Request) (*Response, error) {
		return &Response{Content: "fast"}, nil
	})
	slow := NewNamedStubProvider("slow", func(ctx context.Context, req Request) (*Response, error) {
		return &Response{Content: "slow"}, nil
	})
	r.Register("fast", fast, true)
	r.Register("slow", slow, false)

	router := NewModelRouter(r, "fast")
	router.AddRule(RouteRule{
		Name:      "long-context",
		Predicate: func(req Request) bool { return len(req.Messages) > 5 },
		Provider:  "slow",
	})

	longReq := Request{Messages: make([]Message, 6)}
	p, err := router.Resolve(context.Background(), longReq)
	require.NoError(t, err)
	assert.Equal(t, "slow", p.Name())

	shortReq := Request{Messages: make([]Message, 1)}
	p, err = router.Resolve(context.Background(), shortReq)
	require.NoError(t, err)
	assert.Equal(t, "fast", p.Name())
}

func TestModelRouterNoAvailableProviderErrors(t *testing.T) {
	r := NewRegistry()
	router := NewModelRouter(r, "missing")
	_, err := router.Resolve(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrNoProviderAvailable)
}
