package site

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"wakeworker/internal/contact"
)

func TestRegistryResolve(t *testing.T) {
	t.Parallel()
	r := NewRegistry([]contact.Site{
		{Name: "website", Hostname: "example.org"},
		{Name: "Analytics_Operations", Language: "en"},
		{Name: "website", Hostname: "dup"},
		{Name: " "},
	})

	s, ok := r.Resolve(DefaultOperational)
	assert.True(t, ok)
	assert.Equal(t, "en", s.Language)

	_, ok = r.Resolve("shell")
	assert.False(t, ok)

	assert.Equal(t, "example.org", r.Current().Hostname)
	s, ok = r.Resolve("WEBSITE")
	assert.True(t, ok)
	assert.Equal(t, "example.org", s.Hostname, "duplicate names keep the first entry")
}

func TestRegistryFallback(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	assert.Equal(t, Fallback, r.Current())

	r.Replace([]contact.Site{{Name: "ops"}})
	assert.Equal(t, "ops", r.Current().Name)
}
