package urlsource

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeSource struct {
	name   string
	prefix string
}

func (f fakeSource) Name() string                     { return f.name }
func (f fakeSource) CanHandle(url string) bool        { return strings.HasPrefix(url, f.prefix) }
func (f fakeSource) SupportsManualInspection() bool    { return true }
func (f fakeSource) Extract(ctx context.Context, url string, cli []string) ([]Candidate, error) {
	return []Candidate{{URL: url, ArchiveID: "x1"}}, nil
}

func TestRegistryResolvesFirstMatchInRegistrationOrder(t *testing.T) {
	r := NewRegistry(
		fakeSource{name: "feedA", prefix: "https://a.example.com"},
		fakeSource{name: "feedB", prefix: "https://b.example.com"},
	)

	s := r.Resolve("https://b.example.com/feed")
	assert.NotNil(t, s)
	assert.Equal(t, "feedB", s.Name())

	assert.Nil(t, r.Resolve("https://c.example.com/feed"))
}

func TestRegistryByName(t *testing.T) {
	r := NewRegistry(fakeSource{name: "feedA", prefix: "https://a.example.com"})
	assert.NotNil(t, r.ByName("feedA"))
	assert.Nil(t, r.ByName("missing"))
}

func TestRegistryListReturnsCopy(t *testing.T) {
	r := NewRegistry(fakeSource{name: "feedA", prefix: "https://a.example.com"})
	list := r.List()
	require := assert.New(t)
	require.Len(list, 1)

	list[0] = fakeSource{name: "other"}
	require.Equal("feedA", r.List()[0].Name())
}
