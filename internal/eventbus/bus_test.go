package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_FiltersByType(t *testing.T) {
	b := New()
	conn, unsubConn := b.Subscribe(4, TypeReady, TypeError)
	defer unsubConn()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()

	b.Publish(Event{Type: TypeStart, Data: JobEvent{JobID: 1}})
	b.Publish(Event{Type: TypeError, Data: StoreEvent{Op: "poll"}})

	got := <-conn
	assert.Equal(t, TypeError, got.Type)
	assert.False(t, got.Time.IsZero())
	select {
	case e := <-conn:
		t.Fatalf("unexpected event %v", e.Type)
	default:
	}

	assert.Equal(t, TypeStart, (<-all).Type)
	assert.Equal(t, TypeError, (<-all).Type)
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: TypeFail})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	_, ok := <-ch
	require.False(t, ok)
	b.Publish(Event{Type: TypeReady})
}
