// Package appcontext is the context aggregator: it merges named context
// values from the backend with values set locally by the host application,
// giving client-set values priority over whatever the backend reports for
// the same name. This mirrors AIQContext's valueForName:/setValue:forName:
// accessor pair, generalized from a single fixed provider to an ordered
// chain of backend Providers refreshed on demand.
package appcontext

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"aiqsync.dev/notify"
	"aiqsync.dev/store"
)

const sessionPropOverridePrefix = "context.override."

// Provider supplies a set of named context values from one backend source
// (the organization directory, the active solution's metadata endpoint,
// and so on). Multiple Providers can be registered; later-registered
// providers take priority over earlier ones when they disagree on a name.
type Provider interface {
	Values(ctx context.Context) (map[string]json.RawMessage, error)
}

// Aggregator holds the merged view of backend-provided and client-set
// context values.
type Aggregator struct {
	store     *store.DB
	bus       *notify.Bus
	providers []Provider

	mu       sync.RWMutex
	backend  map[string]json.RawMessage
	override map[string]json.RawMessage
}

// New creates an empty Aggregator. bus may be nil if the host application
// does not want change notifications.
func New(db *store.DB, bus *notify.Bus) *Aggregator {
	return &Aggregator{
		store:    db,
		bus:      bus,
		backend:  make(map[string]json.RawMessage),
		override: make(map[string]json.RawMessage),
	}
}

// RegisterProvider adds a backend Provider, consulted on the next Refresh.
func (a *Aggregator) RegisterProvider(p Provider) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.providers = append(a.providers, p)
}

// Refresh queries every registered Provider in registration order, merging
// their results so a later provider's value for a name wins over an
// earlier provider's. Client overrides set via SetValue are not affected:
// they always win regardless of what Refresh finds.
func (a *Aggregator) Refresh(ctx context.Context) error {
	merged := make(map[string]json.RawMessage)

	a.mu.RLock()
	providers := append([]Provider(nil), a.providers...)
	a.mu.RUnlock()

	for _, p := range providers {
		values, err := p.Values(ctx)
		if err != nil {
			return fmt.Errorf("appcontext: provider refresh: %w", err)
		}
		for name, value := range values {
			merged[name] = value
		}
	}

	a.mu.Lock()
	previous := a.backend
	a.backend = merged
	a.mu.Unlock()

	a.publishChanges(previous, merged)
	return nil
}

// publishChanges emits one EventContextChanged per name whose effective
// value differs between before and after, so subscribers learn exactly
// which names moved instead of having to diff the whole context themselves.
func (a *Aggregator) publishChanges(before, after map[string]json.RawMessage) {
	if a.bus == nil {
		return
	}

	changed := make(map[string]struct{})
	for name, v := range after {
		if old, ok := before[name]; !ok || !bytes.Equal(old, v) {
			changed[name] = struct{}{}
		}
	}
	for name := range before {
		if _, ok := after[name]; !ok {
			changed[name] = struct{}{}
		}
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	for name := range changed {
		if _, overridden := a.override[name]; overridden {
			// A client override still wins at read time; the backend
			// value moving underneath it is not user-visible.
			continue
		}
		value := a.backend[name]
		a.bus.Publish(notify.Event{Name: notify.EventContextChanged, Fields: map[string]interface{}{
			"name": name, "value": value,
		}})
	}
}

// ValueForName returns the effective value for name: a client override if
// one has been set, otherwise the most recently refreshed backend value.
func (a *Aggregator) ValueForName(name string) (json.RawMessage, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if v, ok := a.override[name]; ok {
		return v, true
	}
	v, ok := a.backend[name]
	return v, ok
}

// SetValue records a client override for name, persisted so it survives a
// restart and takes priority over any backend-provided value for the same
// name from this point on.
func (a *Aggregator) SetValue(name string, value json.RawMessage) error {
	a.mu.Lock()
	a.override[name] = value
	a.mu.Unlock()

	return a.store.Update(func(tx *store.WriteTx) error {
		return tx.SetSessionProperty(sessionPropOverridePrefix+name, value)
	})
}

// ClearValue removes a client override, letting the backend value for name
// (if any) take effect again.
func (a *Aggregator) ClearValue(name string) error {
	a.mu.Lock()
	delete(a.override, name)
	a.mu.Unlock()

	return a.store.Update(func(tx *store.WriteTx) error {
		return tx.DeleteSessionProperty(sessionPropOverridePrefix + name)
	})
}

// RestoreOverride loads a single previously persisted override into memory.
// Call once per known override name at startup, before the first
// ValueForName: session_props has no prefix-scan, so the host application
// (which already knows which names it has overridden) restores each by
// name rather than the Aggregator enumerating them all.
func (a *Aggregator) RestoreOverride(name string) (bool, error) {
	var found bool
	var value []byte
	err := a.store.View(func(tx *store.ReadTx) error {
		value, found = tx.GetSessionProperty(sessionPropOverridePrefix + name)
		return nil
	})
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	a.mu.Lock()
	a.override[name] = json.RawMessage(value)
	a.mu.Unlock()
	return true, nil
}
