package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFiltersByAccount(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4, ForAccount("1555"))
	defer unsub()

	b.Publish(Event{Type: TypeLog, Account: "999", Message: "other"})
	b.Publish(Event{Type: TypeLog, Account: "1555", Message: "mine"})

	select {
	case e := <-ch:
		assert.Equal(t, "mine", e.Message)
		assert.False(t, e.Time.IsZero())
	default:
		t.Fatal("expected one event")
	}
	assert.Empty(t, ch)
}

func TestPublishDropsWhenSubscriberIsFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1, nil)
	defer unsub()

	b.Publish(Event{Type: TypeReady})
	b.Publish(Event{Type: TypeArmed})
	require.Len(t, ch, 1)
	assert.Equal(t, TypeReady, (<-ch).Type)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1, OfType(TypeError))
	unsub()
	unsub()
	b.Publish(Event{Type: TypeError})
	_, ok := <-ch
	assert.False(t, ok)
}

func TestAllCombinesFilters(t *testing.T) {
	t.Parallel()
	f := All(ForAccount("1"), nil, OfType(TypeFire, TypeArmed))
	assert.True(t, f(Event{Account: "1", Type: TypeFire}))
	assert.False(t, f(Event{Account: "2", Type: TypeFire}))
	assert.False(t, f(Event{Account: "1", Type: TypeLog}))
	assert.True(t, All()(Event{}))
}
