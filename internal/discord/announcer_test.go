package discord

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/cadenza/internal/app"
	"github.com/MrWong99/cadenza/internal/discord/mock"
	"github.com/MrWong99/cadenza/internal/settings"
)

func runAnnouncer(t *testing.T, a *Announcer) {
	t.Helper()
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestAnnouncer_NoChannelIsSilent(t *testing.T) {
	t.Parallel()

	sender := &mock.MessageSender{}
	a := NewAnnouncer(AnnouncerConfig{Sender: sender})
	a.handle(t.Context(), app.Notice{Kind: app.NoticeIdleLeft, GuildID: "g1"})
	if len(sender.Sent()) != 0 {
		t.Errorf("sent %d messages without a channel", len(sender.Sent()))
	}
}

func TestAnnouncer_UsesRememberedChannel(t *testing.T) {
	t.Parallel()

	sender := &mock.MessageSender{}
	a := NewAnnouncer(AnnouncerConfig{Sender: sender})
	a.RememberChannel("g1", "text-1")
	runAnnouncer(t, a)

	np := testTrack("Song A")
	a.Notify(t.Context(), app.Notice{Kind: app.NoticeTrackFailed, GuildID: "g1", Entry: np.Entry, Err: errors.New("exit 1")})
	a.Notify(t.Context(), app.Notice{Kind: app.NoticeVoiceLost, GuildID: "g1"})

	waitFor(t, "two messages", func() bool { return len(sender.Sent()) == 2 })
	sent := sender.Sent()
	if sent[0].ChannelID != "text-1" || !strings.Contains(sent[0].Content, "Song A") {
		t.Errorf("failure message = %+v", sent[0])
	}
	if !strings.Contains(sent[1].Content, "voice connection") {
		t.Errorf("voice lost message = %q", sent[1].Content)
	}
}

func TestAnnouncer_StoredChannelWins(t *testing.T) {
	t.Parallel()

	store := settings.NewMemStore()
	if err := store.Put(t.Context(), settings.Settings{GuildID: "g1", AnnounceChannelID: "text-9"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	sender := &mock.MessageSender{}
	a := NewAnnouncer(AnnouncerConfig{Sender: sender, Settings: store})
	a.RememberChannel("g1", "text-1")

	a.handle(t.Context(), app.Notice{Kind: app.NoticeIdleLeft, GuildID: "g1"})
	if sent := sender.Sent(); len(sent) != 1 || sent[0].ChannelID != "text-9" {
		t.Errorf("sent = %+v", sent)
	}
}

func TestAnnouncer_TrackStartedOpensPanel(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	np := testTrack("Song A")
	src.set(np, true)
	sender := &mock.MessageSender{}
	a := NewAnnouncer(AnnouncerConfig{Sender: sender, PanelInterval: 10 * time.Millisecond})
	a.Attach(src)
	a.RememberChannel("g1", "text-1")
	runAnnouncer(t, a)

	a.Notify(t.Context(), app.Notice{Kind: app.NoticeTrackStarted, GuildID: "g1", Entry: np.Entry})
	waitFor(t, "panel", func() bool { return len(sender.Sent()) == 1 })
	if got := sender.Sent()[0].Embeds[0].Title; got != "Song A" {
		t.Errorf("panel title = %q", got)
	}

	// Leaving voice finalises the panel.
	src.set(app.NowPlaying{}, false)
	a.Notify(t.Context(), app.Notice{Kind: app.NoticeIdleLeft, GuildID: "g1"})
	waitFor(t, "idle message", func() bool { return len(sender.Sent()) == 2 })
	waitFor(t, "final edit", func() bool {
		edits := sender.Edits()
		if len(edits) == 0 {
			return false
		}
		last := edits[len(edits)-1]
		return last.Embeds != nil && (*last.Embeds)[0].Footer.Text == "Finished"
	})
}

func TestAnnouncer_WithoutSourcePostsText(t *testing.T) {
	t.Parallel()

	sender := &mock.MessageSender{}
	a := NewAnnouncer(AnnouncerConfig{Sender: sender})
	a.RememberChannel("g1", "text-1")

	np := testTrack("Song A")
	a.handle(t.Context(), app.Notice{Kind: app.NoticeTrackStarted, GuildID: "g1", Entry: np.Entry})
	if sent := sender.Sent(); len(sent) != 1 || !strings.Contains(sent[0].Content, "Now playing **Song A**") {
		t.Errorf("sent = %+v", sent)
	}
}
