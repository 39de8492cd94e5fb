package appcontext

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"aiqsync.dev/notify"
	"aiqsync.dev/store"
)

func openTestStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type staticProvider struct {
	values map[string]json.RawMessage
}

func (p staticProvider) Values(ctx context.Context) (map[string]json.RawMessage, error) {
	return p.values, nil
}

func TestRefreshMergesProvidersLastWriterWins(t *testing.T) {
	db := openTestStore(t)
	a := New(db, nil)
	a.RegisterProvider(staticProvider{values: map[string]json.RawMessage{"org": json.RawMessage(`"acme"`)}})
	a.RegisterProvider(staticProvider{values: map[string]json.RawMessage{"org": json.RawMessage(`"acme-2"`)}})

	require.NoError(t, a.Refresh(context.Background()))

	v, ok := a.ValueForName("org")
	require.True(t, ok)
	require.Equal(t, `"acme-2"`, string(v))
}

func TestClientOverrideWinsOverBackendValue(t *testing.T) {
	db := openTestStore(t)
	a := New(db, nil)
	a.RegisterProvider(staticProvider{values: map[string]json.RawMessage{"locale": json.RawMessage(`"en-US"`)}})
	require.NoError(t, a.Refresh(context.Background()))

	require.NoError(t, a.SetValue("locale", json.RawMessage(`"sv-SE"`)))

	v, ok := a.ValueForName("locale")
	require.True(t, ok)
	require.Equal(t, `"sv-SE"`, string(v))

	require.NoError(t, a.Refresh(context.Background()))
	v, ok = a.ValueForName("locale")
	require.True(t, ok)
	require.Equal(t, `"sv-SE"`, string(v), "client override must survive a backend refresh")
}

func TestSetValuePersistsAcrossAggregators(t *testing.T) {
	db := openTestStore(t)
	a := New(db, nil)
	require.NoError(t, a.SetValue("nickname", json.RawMessage(`"bud"`)))

	b := New(db, nil)
	restored, err := b.RestoreOverride("nickname")
	require.NoError(t, err)
	require.True(t, restored)

	v, ok := b.ValueForName("nickname")
	require.True(t, ok)
	require.Equal(t, `"bud"`, string(v))
}

func TestClearValueRemovesOverride(t *testing.T) {
	db := openTestStore(t)
	a := New(db, nil)
	require.NoError(t, a.SetValue("k", json.RawMessage(`"v"`)))
	require.NoError(t, a.ClearValue("k"))

	_, ok := a.ValueForName("k")
	require.False(t, ok)
}

func TestValueForNameMissingReturnsFalse(t *testing.T) {
	db := openTestStore(t)
	a := New(db, nil)
	_, ok := a.ValueForName("nope")
	require.False(t, ok)
}

func TestRefreshPublishesOnePerChangedName(t *testing.T) {
	db := openTestStore(t)
	bus := notify.New(nil)
	a := New(db, bus)

	events := make(chan notify.Event, 10)
	bus.Subscribe(notify.EventContextChanged, func(e notify.Event) { events <- e })

	a.RegisterProvider(staticProvider{values: map[string]json.RawMessage{
		"org": json.RawMessage(`"acme"`), "locale": json.RawMessage(`"en-US"`),
	}})
	require.NoError(t, a.Refresh(context.Background()))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case e := <-events:
			name, _ := e.Fields["name"].(string)
			seen[name] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for context changed events")
		}
	}
	require.True(t, seen["org"])
	require.True(t, seen["locale"])
}

func TestRefreshSkipsOverriddenNameEvent(t *testing.T) {
	db := openTestStore(t)
	bus := notify.New(nil)
	a := New(db, bus)

	require.NoError(t, a.SetValue("locale", json.RawMessage(`"sv-SE"`)))

	events := make(chan notify.Event, 10)
	bus.Subscribe(notify.EventContextChanged, func(e notify.Event) { events <- e })

	a.RegisterProvider(staticProvider{values: map[string]json.RawMessage{"locale": json.RawMessage(`"en-US"`)}})
	require.NoError(t, a.Refresh(context.Background()))

	select {
	case e := <-events:
		t.Fatalf("unexpected event for overridden name: %+v", e)
	case <-time.After(200 * time.Millisecond):
	}
}
