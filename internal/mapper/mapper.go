// Package mapper keeps one kernel connection per document.
package mapper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"kernelbridge/internal/document"
	"kernelbridge/internal/kernel"
	"kernelbridge/internal/logging"
)

// ErrUnknownIdentity is returned when disposing a document with no connection.
var ErrUnknownIdentity = errors.New("no kernel connection for document")

// Mapper owns the connection of every open document. Connections are created
// lazily and at most once per identity, survive renames, and are only closed
// by Dispose or DisposeAll.
type Mapper struct {
	mu      sync.RWMutex
	clients map[document.Identity]*kernel.Client

	factory kernel.ChannelFactory
	config  kernel.ClientConfig
	flights singleflight.Group

	// Callbacks
	onCreated func(id document.Identity)
}

// New creates an empty mapper.
func New(factory kernel.ChannelFactory, cfg kernel.ClientConfig) *Mapper {
	return &Mapper{
		clients: make(map[document.Identity]*kernel.Client),
		factory: factory,
		config:  cfg,
	}
}

// SetOnCreated sets a callback invoked after a connection is registered.
func (m *Mapper) SetOnCreated(fn func(id document.Identity)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCreated = fn
}

// GetOrCreate returns the connection for id, creating it on first use.
// Concurrent callers for the same id share a single factory call; if it
// fails they all get its error and the next call retries. A caller whose ctx
// ends stops waiting, but creation continues for the others.
func (m *Mapper) GetOrCreate(ctx context.Context, id document.Identity) (*kernel.Client, error) {
	if c, ok := m.lookup(id); ok {
		return c, nil
	}

	createCtx := context.WithoutCancel(ctx)
	ch := m.flights.DoChan(string(id), func() (interface{}, error) {
		// A flight for id may have finished between lookup and DoChan.
		if c, ok := m.lookup(id); ok {
			return c, nil
		}
		return m.create(createCtx, id)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*kernel.Client), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Mapper) create(ctx context.Context, id document.Identity) (*kernel.Client, error) {
	timer := logging.StartTimer(logging.CategoryMapper, "channel creation for "+id.String())
	ch, err := m.factory(ctx, id)
	timer.Stop()
	if err != nil {
		logging.Get(logging.CategoryMapper).Warn("channel creation for %s failed: %v", id, err)
		return nil, err
	}
	if ch == nil {
		return nil, fmt.Errorf("channel factory returned no channel for %s", id)
	}

	c := kernel.NewClient(ch, m.config)

	m.mu.Lock()
	if existing, ok := m.clients[id]; ok {
		// A connection was reassociated onto id while this one was starting.
		// The reassociated one carries the document's state, so it wins.
		m.mu.Unlock()
		logging.Get(logging.CategoryMapper).Warn("connection for %s appeared during creation; closing the new one", id)
		if err := c.Close(); err != nil {
			logging.Get(logging.CategoryMapper).Warn("closing redundant connection for %s: %v", id, err)
		}
		return existing, nil
	}
	m.clients[id] = c
	onCreated := m.onCreated
	m.mu.Unlock()

	logging.Mapper("connection created for %s", id)
	if onCreated != nil {
		onCreated(id)
	}
	return c, nil
}

func (m *Mapper) lookup(id document.Identity) (*kernel.Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[id]
	return c, ok
}

// IsKnown reports whether id has a registered connection.
func (m *Mapper) IsKnown(id document.Identity) bool {
	_, ok := m.lookup(id)
	return ok
}

// Reassociate moves the connection of oldID to newID, leaving the connection
// and its pending work untouched. It does nothing if oldID has no
// connection. If newID already had a connection it is unregistered and
// returned so the caller can dispose of it.
func (m *Mapper) Reassociate(oldID, newID document.Identity) (displaced *kernel.Client) {
	if oldID == newID {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clients[oldID]
	if !ok {
		logging.Get(logging.CategoryMapper).Debug("reassociate %s -> %s: not tracked", oldID, newID)
		return nil
	}
	displaced = m.clients[newID]
	delete(m.clients, oldID)
	m.clients[newID] = c
	logging.Mapper("connection reassociated %s -> %s", oldID, newID)
	return displaced
}

// Dispose closes and unregisters the connection for id.
func (m *Mapper) Dispose(id document.Identity) error {
	m.mu.Lock()
	c, ok := m.clients[id]
	if ok {
		delete(m.clients, id)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("dispose %s: %w", id, ErrUnknownIdentity)
	}
	logging.Mapper("disposing connection for %s", id)
	return c.Close()
}

// DisposeAll closes every connection concurrently. Every connection is
// closed even if ctx ends first; ctx only bounds how long DisposeAll waits.
func (m *Mapper) DisposeAll(ctx context.Context) error {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[document.Identity]*kernel.Client)
	m.mu.Unlock()

	var g errgroup.Group
	for id, c := range clients {
		id, c := id, c
		g.Go(func() error {
			if err := c.Close(); err != nil {
				return fmt.Errorf("dispose %s: %w", id, err)
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		logging.Get(logging.CategoryMapper).Warn("stopped waiting for %d connections to close: %v", len(clients), ctx.Err())
		return ctx.Err()
	}
}

// Identities returns the documents with live connections, sorted.
func (m *Mapper) Identities() []document.Identity {
	m.mu.RLock()
	ids := make([]document.Identity, 0, len(m.clients))
	for id := range m.clients {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
