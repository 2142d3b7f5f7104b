package systemd

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "reminderd/pkg/logx"
)

type recorder struct {
	mu     sync.Mutex
	states []string
	err    error
}

func (r *recorder) notify(state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return false, r.err
	}
	r.states = append(r.states, state)
	return true, nil
}

func (r *recorder) count(state string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s == state {
			n++
		}
	}
	return n
}

func newNotifier(r *recorder, interval time.Duration) *Notifier {
	return &Notifier{
		notify:   r.notify,
		watchdog: func() (time.Duration, error) { return interval, nil },
		log:      logx.Nop(),
	}
}

func TestNotifier_States(t *testing.T) {
	r := &recorder{}
	n := newNotifier(r, 0)
	assert.True(t, n.Ready())
	assert.True(t, n.Status("3 habits"))
	assert.True(t, n.Stopping())
	assert.Equal(t, []string{daemon.SdNotifyReady, "STATUS=3 habits", daemon.SdNotifyStopping}, r.states)

	r.err = errors.New("socket closed")
	assert.False(t, n.Ready())
}

func TestWatchdog_DisabledReturns(t *testing.T) {
	n := newNotifier(&recorder{}, 0)
	require.NoError(t, n.Watchdog(context.Background()))
}

func TestWatchdog_Pings(t *testing.T) {
	r := &recorder{}
	n := newNotifier(r, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Watchdog(ctx) }()

	require.Eventually(t, func() bool { return r.count(daemon.SdNotifyWatchdog) >= 2 }, time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
