package discord

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/cadenza/internal/app"
	"github.com/MrWong99/cadenza/internal/discord/mock"
	"github.com/MrWong99/cadenza/internal/queue"
	"github.com/MrWong99/cadenza/pkg/media"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// fakeSource serves one guild's current track.
type fakeSource struct {
	mu sync.Mutex
	np app.NowPlaying
	ok bool
}

func (f *fakeSource) set(np app.NowPlaying, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.np, f.ok = np, ok
}

func (f *fakeSource) NowPlaying(string) (app.NowPlaying, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.np, f.ok
}

func testTrack(title string) app.NowPlaying {
	e := queue.NewEntry(media.Descriptor{Title: title, Duration: 3 * time.Minute, Path: "/cache/" + title}, "u1")
	return app.NowPlaying{Entry: e, Started: time.Now(), Elapsed: 90 * time.Second}
}

func TestFormatClock(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0:00"},
		{59 * time.Second, "0:59"},
		{61*time.Second + 500*time.Millisecond, "1:01"},
		{time.Hour + 2*time.Minute + 3*time.Second, "1:02:03"},
		{-time.Second, "0:00"},
	}
	for _, tt := range tests {
		if got := FormatClock(tt.in); got != tt.want {
			t.Errorf("FormatClock(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestProgress(t *testing.T) {
	t.Parallel()

	got := progress(90*time.Second, 3*time.Minute)
	if !strings.HasSuffix(got, "1:30 / 3:00") {
		t.Errorf("progress = %q", got)
	}
	if strings.Count(got, "●") != 1 {
		t.Errorf("progress marker count in %q", got)
	}
	if got := progress(90*time.Second, 0); got != "1:30" {
		t.Errorf("unknown length progress = %q", got)
	}
	// Elapsed past the end keeps the marker inside the bar.
	if got := progress(5*time.Minute, 3*time.Minute); strings.Count(got, "●") != 1 {
		t.Errorf("overflow progress = %q", got)
	}
}

func TestNowPlayingEmbed(t *testing.T) {
	t.Parallel()

	np := testTrack("Song A")
	e := NowPlayingEmbed(np)
	if e.Title != "Song A" || e.Color != embedColorGreen {
		t.Errorf("embed = %+v", e)
	}
	np.Paused = true
	if e := NowPlayingEmbed(np); e.Color != embedColorOrange || e.Footer.Text != "Paused" {
		t.Errorf("paused embed = %+v", e)
	}
}

func TestPanel_FollowsTrack(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	np := testTrack("Song A")
	src.set(np, true)
	sender := &mock.MessageSender{}

	p := NewPanel(PanelConfig{
		Sender:    sender,
		ChannelID: "text-1",
		Interval:  10 * time.Millisecond,
		Entry:     np,
		GetData:   func() (app.NowPlaying, bool) { return src.NowPlaying("g1") },
	})
	p.Start(t.Context())

	waitFor(t, "panel message", func() bool { return len(sender.Sent()) == 1 })
	waitFor(t, "panel edit", func() bool { return len(sender.Edits()) > 0 })

	// A different track ends the panel.
	src.set(testTrack("Song B"), true)
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("panel did not stop after the track changed")
	}

	sent := sender.Sent()
	if len(sent) != 1 || sent[0].ChannelID != "text-1" || sent[0].Embeds[0].Title != "Song A" {
		t.Errorf("sent = %+v", sent)
	}
	edits := sender.Edits()
	final := edits[len(edits)-1]
	if final.ID != sent[0].ID || final.Components == nil || len(*final.Components) != 0 {
		t.Errorf("final edit = %+v", final)
	}
	if embeds := *final.Embeds; embeds[0].Footer.Text != "Finished" {
		t.Errorf("final footer = %q", embeds[0].Footer.Text)
	}
}

func TestPanel_StopWithoutMessage(t *testing.T) {
	t.Parallel()

	sender := &mock.MessageSender{}
	p := NewPanel(PanelConfig{
		Sender:  sender,
		Entry:   app.NowPlaying{Entry: queue.Entry{ID: uuid.New()}},
		GetData: func() (app.NowPlaying, bool) { return app.NowPlaying{}, false },
	})
	p.Start(t.Context())
	<-p.Done()
	p.Stop()

	if len(sender.Sent()) != 0 || len(sender.Edits()) != 0 {
		t.Error("panel posted for a track that already ended")
	}
}
