package mcpwire

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
	"github.com/yosida95/uritemplate/v3"
)

// CapabilityKind discriminates the four descriptor kinds a remote can
// advertise.
type CapabilityKind string

// Capability kinds.
const (
	KindTool             CapabilityKind = "tool"
	KindResource         CapabilityKind = "resource"
	KindResourceTemplate CapabilityKind = "resource_template"
	KindPrompt           CapabilityKind = "prompt"
)

// CatalogSnapshot is one immutable view of everything the remote advertised.
// The whole set is replaced atomically on refresh, never patched
// field-by-field, so concurrent readers never observe an inconsistent
// partial catalog.
type CatalogSnapshot struct {
	Tools             []Tool
	Resources         []Resource
	ResourceTemplates []ResourceTemplate
	Prompts           []Prompt
}

// Catalog holds the set of tools, resources, resource templates, and prompts
// one session's remote endpoint advertised. It is owned by its Session;
// refreshes happen on the initial handshake, on an explicit list-changed
// notification from the server, or on a manual caller request.
//
// A failed refresh leaves the previous catalog intact: stale-but-valid is
// preferred over empty. LastRefreshErr flags the staleness.
type Catalog struct {
	snap atomic.Pointer[CatalogSnapshot]

	mu          sync.Mutex
	refreshErr  error
	refreshedAt time.Time
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	c := &Catalog{}
	c.snap.Store(&CatalogSnapshot{})
	return c
}

// Replace swaps in a complete new snapshot atomically and clears any previous
// refresh failure.
func (c *Catalog) Replace(snap CatalogSnapshot) {
	c.snap.Store(&snap)

	c.mu.Lock()
	c.refreshErr = nil
	c.refreshedAt = time.Now()
	c.mu.Unlock()
}

// Snapshot returns the current immutable view. Callers must not mutate the
// returned slices.
func (c *Catalog) Snapshot() CatalogSnapshot {
	return *c.snap.Load()
}

// Tools returns the advertised tools in server order.
func (c *Catalog) Tools() []Tool { return c.snap.Load().Tools }

// Resources returns the advertised resources in server order.
func (c *Catalog) Resources() []Resource { return c.snap.Load().Resources }

// ResourceTemplates returns the advertised resource templates in server order.
func (c *Catalog) ResourceTemplates() []ResourceTemplate {
	return c.snap.Load().ResourceTemplates
}

// Prompts returns the advertised prompts in server order.
func (c *Catalog) Prompts() []Prompt { return c.snap.Load().Prompts }

// Tool looks up a tool descriptor by name.
func (c *Catalog) Tool(name string) (Tool, bool) {
	for _, t := range c.snap.Load().Tools {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}

// Resource looks up a resource descriptor by exact URI.
func (c *Catalog) Resource(uri string) (Resource, bool) {
	for _, r := range c.snap.Load().Resources {
		if r.URI == uri {
			return r, true
		}
	}
	return Resource{}, false
}

// Prompt looks up a prompt descriptor by name.
func (c *Catalog) Prompt(name string) (Prompt, bool) {
	for _, p := range c.snap.Load().Prompts {
		if p.Name == name {
			return p, true
		}
	}
	return Prompt{}, false
}

// MatchTools returns the tools whose names match the given glob pattern, in
// server order.
func (c *Catalog) MatchTools(pattern string) ([]Tool, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to compile pattern %q: %w", pattern, err)
	}

	var matched []Tool
	for _, t := range c.snap.Load().Tools {
		if g.Match(t.Name) {
			matched = append(matched, t)
		}
	}
	return matched, nil
}

// MatchesURI reports whether the given URI is addressable through the
// catalog, either as an exact resource or through a resource template.
// Templates that fail to parse are skipped.
func (c *Catalog) MatchesURI(uri string) bool {
	snap := c.snap.Load()
	for _, r := range snap.Resources {
		if r.URI == uri {
			return true
		}
	}
	for _, t := range snap.ResourceTemplates {
		tpl, err := uritemplate.New(t.URITemplate)
		if err != nil {
			continue
		}
		if tpl.Regexp().MatchString(uri) {
			return true
		}
	}
	return false
}

// SetRefreshError records a failed refresh without touching the current
// snapshot.
func (c *Catalog) SetRefreshError(err error) {
	c.mu.Lock()
	c.refreshErr = err
	c.mu.Unlock()
}

// LastRefreshErr returns the error of the most recent refresh attempt, or nil
// if it succeeded. A non-nil value means the snapshot may be stale.
func (c *Catalog) LastRefreshErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshErr
}

// RefreshedAt returns the time of the last successful refresh.
func (c *Catalog) RefreshedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshedAt
}
