// Package kb holds the catalog of mesh sources the server can stream.
package kb

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrSourceNotFound is returned when a source name is not registered.
	ErrSourceNotFound = errors.New("source not found")
	// ErrDuplicateSource is returned when registering a name twice.
	ErrDuplicateSource = errors.New("source already registered")
	// ErrInvalidSource is returned for registrations missing a name or path.
	ErrInvalidSource = errors.New("invalid source")
)

// EventType indicates what kind of change happened in the catalog.
type EventType int

const (
	EventSourceRegistered EventType = iota
	EventDefaultChanged
)

// Event is emitted to subscribers when the catalog changes.
type Event struct {
	Type   EventType
	Source Source
}

// Source describes where a mesh lives and how to interpret it. The mesh
// itself is read on demand.
type Source struct {
	Name string
	Path string
	// CRS overrides the projection found next to the mesh file.
	CRS string
	// DeleteValue overrides the default missing-value marker when non-zero.
	DeleteValue float32
}

// Catalog is an in-memory, thread-safe registry of sources. The first
// registered source becomes the default.
type Catalog struct {
	mu sync.RWMutex

	sources     map[string]Source
	defaultName string

	subs   []func(Event)
	subIDs []*int
}

// NewCatalog constructs an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{sources: make(map[string]Source)}
}

// Register adds a source. It returns ErrDuplicateSource if the name exists.
func (c *Catalog) Register(s Source) error {
	if s.Name == "" || s.Path == "" {
		return fmt.Errorf("%w: name and path are required", ErrInvalidSource)
	}

	c.mu.Lock()
	if _, exists := c.sources[s.Name]; exists {
		c.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrDuplicateSource, s.Name)
	}
	c.sources[s.Name] = s
	if c.defaultName == "" {
		c.defaultName = s.Name
	}
	subs := append([]func(Event){}, c.subs...)
	c.mu.Unlock()

	notify(subs, Event{Type: EventSourceRegistered, Source: s})
	return nil
}

// SetDefault selects the source used when a request names none.
func (c *Catalog) SetDefault(name string) error {
	c.mu.Lock()
	s, ok := c.sources[name]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrSourceNotFound, name)
	}
	c.defaultName = name
	subs := append([]func(Event){}, c.subs...)
	c.mu.Unlock()

	notify(subs, Event{Type: EventDefaultChanged, Source: s})
	return nil
}

// Lookup returns the named source, or the default source for an empty name.
func (c *Catalog) Lookup(name string) (Source, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if name == "" {
		name = c.defaultName
		if name == "" {
			return Source{}, fmt.Errorf("%w: catalog is empty", ErrSourceNotFound)
		}
	}
	s, ok := c.sources[name]
	if !ok {
		return Source{}, fmt.Errorf("%w: %q", ErrSourceNotFound, name)
	}
	return s, nil
}

// Default returns the name of the default source, or "" when empty.
func (c *Catalog) Default() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.defaultName
}

// List returns a snapshot of all sources ordered by name.
func (c *Catalog) List() []Source {
	c.mu.RLock()
	defer c.mu.RUnlock()

	res := make([]Source, 0, len(c.sources))
	for _, s := range c.sources {
		res = append(res, s)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res
}

// Subscribe registers a callback for catalog events. It returns an
// unsubscribe function.
func (c *Catalog) Subscribe(fn func(Event)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := new(int)
	c.subs = append(c.subs, fn)
	c.subIDs = append(c.subIDs, id)

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, sid := range c.subIDs {
			if sid == id {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				c.subIDs = append(c.subIDs[:i], c.subIDs[i+1:]...)
				return
			}
		}
	}
}

// Subscribers are called outside the lock so they may call back into the
// catalog.
func notify(subs []func(Event), e Event) {
	for _, sub := range subs {
		sub(e)
	}
}
