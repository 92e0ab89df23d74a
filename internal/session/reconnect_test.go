package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/cadenza/pkg/audio"
	audiomock "github.com/MrWong99/cadenza/pkg/audio/mock"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestReconnector_Connect(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		conn := audiomock.NewConnection("voice-1")
		platform := &audiomock.Platform{ConnectResult: conn}
		r := NewReconnector(ReconnectorConfig{Platform: platform, GuildID: "g1", ChannelID: "voice-1"})

		got, err := r.Connect(t.Context())
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}
		if got != conn || r.Connection() != conn {
			t.Error("connection not stored")
		}
		calls := platform.Calls()
		if len(calls) != 1 || calls[0] != (audiomock.ConnectCall{GuildID: "g1", ChannelID: "voice-1"}) {
			t.Errorf("ConnectCalls = %+v", calls)
		}
	})

	t.Run("failure", func(t *testing.T) {
		t.Parallel()
		platform := &audiomock.Platform{ConnectError: errors.New("auth failed")}
		r := NewReconnector(ReconnectorConfig{Platform: platform, GuildID: "g1", ChannelID: "voice-1"})

		if _, err := r.Connect(t.Context()); err == nil {
			t.Fatal("expected error")
		}
		if r.Connection() != nil {
			t.Error("connection stored after failure")
		}
	})

	t.Run("after stop", func(t *testing.T) {
		t.Parallel()
		conn := audiomock.NewConnection("voice-1")
		r := NewReconnector(ReconnectorConfig{Platform: &audiomock.Platform{ConnectResult: conn}})
		_ = r.Stop()

		if _, err := r.Connect(t.Context()); !errors.Is(err, ErrStopped) {
			t.Fatalf("err = %v, want ErrStopped", err)
		}
		if conn.Disconnects() != 1 {
			t.Errorf("late connection not released: %d disconnects", conn.Disconnects())
		}
	})
}

func TestReconnector_Defaults(t *testing.T) {
	t.Parallel()

	r := NewReconnector(ReconnectorConfig{Platform: &audiomock.Platform{}})
	if r.cfg.MaxRetries != 10 || r.cfg.Backoff != time.Second || r.cfg.MaxBackoff != 30*time.Second {
		t.Errorf("defaults = %d/%v/%v", r.cfg.MaxRetries, r.cfg.Backoff, r.cfg.MaxBackoff)
	}
}

func TestReconnector_DroppedEventReconnects(t *testing.T) {
	t.Parallel()

	first := audiomock.NewConnection("voice-1")
	second := audiomock.NewConnection("voice-1")
	platform := &sequencePlatform{conns: []audio.Connection{first, second}}

	var got atomic.Pointer[audiomock.Connection]
	r := NewReconnector(ReconnectorConfig{
		Platform:   platform,
		GuildID:    "g1",
		ChannelID:  "voice-1",
		Backoff:    time.Millisecond,
		MaxBackoff: 5 * time.Millisecond,
		OnReconnect: func(c audio.Connection) {
			got.Store(c.(*audiomock.Connection))
		},
	})
	if _, err := r.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	r.Monitor(t.Context())
	t.Cleanup(func() { _ = r.Stop() })

	first.EmitEvent(audio.Event{Type: audio.EventDropped, UserID: "bot"})

	waitFor(t, "reconnect", func() bool { return got.Load() != nil })
	if got.Load() != second {
		t.Error("OnReconnect did not receive the new connection")
	}
	if r.Connection() != second {
		t.Error("current connection not swapped")
	}
	if first.Disconnects() != 1 {
		t.Errorf("dropped connection disconnects = %d, want 1", first.Disconnects())
	}
}

func TestReconnector_ForwardsParticipantEvents(t *testing.T) {
	t.Parallel()

	conn := audiomock.NewConnection("voice-1")
	var events []audio.Event
	var mu sync.Mutex
	r := NewReconnector(ReconnectorConfig{
		Platform: &audiomock.Platform{ConnectResult: conn},
		OnParticipant: func(ev audio.Event) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		},
	})
	if _, err := r.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	conn.EmitEvent(audio.Event{Type: audio.EventJoin, UserID: "u1"})
	conn.EmitEvent(audio.Event{Type: audio.EventDropped, UserID: "bot"})

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 || events[0].UserID != "u1" {
		t.Errorf("forwarded events = %+v, want only the join", events)
	}
}

func TestReconnector_BackoffThenSuccess(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	platform := &failingPlatform{failures: 3, conn: audiomock.NewConnection("voice-1"), count: &attempts}

	var reconnected atomic.Bool
	r := NewReconnector(ReconnectorConfig{
		Platform:    platform,
		MaxRetries:  5,
		Backoff:     time.Millisecond,
		MaxBackoff:  4 * time.Millisecond,
		OnReconnect: func(audio.Connection) { reconnected.Store(true) },
	})
	r.Monitor(t.Context())
	t.Cleanup(func() { _ = r.Stop() })
	r.NotifyDisconnect()

	waitFor(t, "reconnect", reconnected.Load)
	if n := attempts.Load(); n != 4 {
		t.Errorf("attempts = %d, want 4", n)
	}
}

func TestReconnector_GivesUp(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	platform := &failingPlatform{failures: 1 << 30, count: &attempts}

	gaveUp := make(chan error, 1)
	var reconnected atomic.Bool
	r := NewReconnector(ReconnectorConfig{
		Platform:    platform,
		MaxRetries:  2,
		Backoff:     time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
		OnReconnect: func(audio.Connection) { reconnected.Store(true) },
		OnGiveUp:    func(err error) { gaveUp <- err },
	})
	r.Monitor(t.Context())
	t.Cleanup(func() { _ = r.Stop() })
	r.NotifyDisconnect()

	select {
	case err := <-gaveUp:
		if err == nil {
			t.Error("OnGiveUp got nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnGiveUp not called")
	}
	if reconnected.Load() {
		t.Error("OnReconnect called although every attempt failed")
	}
	if n := attempts.Load(); n != 2 {
		t.Errorf("attempts = %d, want 2", n)
	}
}

func TestReconnector_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	conn := audiomock.NewConnection("voice-1")
	r := NewReconnector(ReconnectorConfig{Platform: &audiomock.Platform{ConnectResult: conn}})
	if _, err := r.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	for range 3 {
		if err := r.Stop(); err != nil {
			t.Fatalf("Stop: %v", err)
		}
	}
	if r.Connection() != nil {
		t.Error("connection kept after Stop")
	}
	if conn.Disconnects() != 1 {
		t.Errorf("disconnects = %d, want 1", conn.Disconnects())
	}
	r.NotifyDisconnect()
	r.NotifyDisconnect()
}

// sequencePlatform hands out conns in order and repeats the last one.
type sequencePlatform struct {
	mu    sync.Mutex
	conns []audio.Connection
	n     int
}

func (p *sequencePlatform) Connect(context.Context, string, string) (audio.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := min(p.n, len(p.conns)-1)
	p.n++
	return p.conns[i], nil
}

// failingPlatform fails the first failures calls.
type failingPlatform struct {
	failures int32
	conn     audio.Connection
	count    *atomic.Int32
}

func (p *failingPlatform) Connect(context.Context, string, string) (audio.Connection, error) {
	if p.count.Add(1) <= p.failures {
		return nil, errors.New("voice gateway unavailable")
	}
	return p.conn, nil
}
