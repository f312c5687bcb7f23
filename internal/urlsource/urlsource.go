// Package urlsource defines the URL Source abstraction of spec.md §4.11: a
// pluggable extractor the Task Scheduler (and the "inspect" API) routes
// through by stable name, without knowing anything about a given source's
// implementation. Grounded on the teacher's own plugin-shaped boundary for
// browser-extension ingestion in internal/app/bridge_downloads.go, which
// keeps the engine ignorant of how a candidate URL was discovered.
package urlsource

import "context"

// Candidate is one URL a Source extracted, per spec.md §4.11's
// "list<{url, archive_id?, title?, metadata?}>".
type Candidate struct {
	URL       string
	ArchiveID string
	Title     string
	Metadata  map[string]any
}

// Source is implemented once per concrete extractor (e.g. a JSON-definition
// scraper, an RSS feed reader); the core only ever talks to this interface.
type Source interface {
	// Name is the stable identifier attributed to items this source
	// produces, surfaced as extras.source_handler.
	Name() string

	// CanHandle reports whether this source recognizes url.
	CanHandle(url string) bool

	// SupportsManualInspection reports whether Extract is safe and cheap
	// enough to call synchronously from the "inspect" preview API.
	SupportsManualInspection() bool

	// Extract resolves url into its candidate items. cli carries any
	// extra arguments the caller's effective configuration supplies.
	Extract(ctx context.Context, url string, cli []string) ([]Candidate, error)
}

// Registry resolves a URL to the first registered Source willing to handle
// it, in registration order.
type Registry struct {
	sources []Source
}

// NewRegistry builds a Registry from zero or more sources.
func NewRegistry(sources ...Source) *Registry {
	return &Registry{sources: sources}
}

// Register appends a source, to be consulted after every source already
// registered.
func (r *Registry) Register(s Source) {
	r.sources = append(r.sources, s)
}

// Resolve returns the first source that can handle url, or nil if none can —
// which spec.md §4.10 treats as "enqueue the task URL directly" when the
// task also has handler_enabled=false.
func (r *Registry) Resolve(url string) Source {
	for _, s := range r.sources {
		if s.CanHandle(url) {
			return s
		}
	}
	return nil
}

// ByName returns the registered source with the given stable name, used by
// the "inspect" API's handler? parameter.
func (r *Registry) ByName(name string) Source {
	for _, s := range r.sources {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

// List returns every registered source, in registration order.
func (r *Registry) List() []Source {
	out := make([]Source, len(r.sources))
	copy(out, r.sources)
	return out
}
