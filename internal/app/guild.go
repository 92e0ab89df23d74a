package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/cadenza/internal/cache"
	"github.com/MrWong99/cadenza/internal/observe"
	"github.com/MrWong99/cadenza/internal/queue"
	"github.com/MrWong99/cadenza/internal/resolve"
	"github.com/MrWong99/cadenza/internal/session"
	"github.com/MrWong99/cadenza/internal/settings"
	"github.com/MrWong99/cadenza/internal/transcode"
	"github.com/MrWong99/cadenza/pkg/audio"
	"github.com/MrWong99/cadenza/pkg/media"
)

var (
	// ErrNothingPlaying is returned by controls that need a current track.
	ErrNothingPlaying = errors.New("app: nothing is playing")

	// ErrNotConnected is returned by Play when the session has no voice
	// channel and the request names none.
	ErrNotConnected = errors.New("app: not connected to a voice channel")

	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("app: session closed")
)

// NoticeKind classifies a [Notice].
type NoticeKind int

const (
	NoticeTrackStarted NoticeKind = iota
	NoticeTrackFailed
	NoticeIdleLeft
	NoticeVoiceLost
)

// String returns the notice kind name used in logs.
func (k NoticeKind) String() string {
	switch k {
	case NoticeTrackStarted:
		return "track_started"
	case NoticeTrackFailed:
		return "track_failed"
	case NoticeIdleLeft:
		return "idle_left"
	case NoticeVoiceLost:
		return "voice_lost"
	default:
		return "unknown"
	}
}

// Notice reports a playback event of one guild to the command layer.
type Notice struct {
	Kind    NoticeKind
	GuildID string

	// Entry is the affected queue entry for track notices.
	Entry queue.Entry

	// Err is set for NoticeTrackFailed and NoticeVoiceLost.
	Err error
}

// Notifier receives playback notices. Notify is called from the player
// goroutine and should return quickly.
type Notifier interface {
	Notify(ctx context.Context, n Notice)
}

// NotifierFunc adapts a function to [Notifier].
type NotifierFunc func(ctx context.Context, n Notice)

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, n Notice) { f(ctx, n) }

// Tunables holds the hot-reloadable player settings shared by all sessions.
type Tunables struct {
	defaultMode atomic.Int32
	idleTimeout atomic.Int64
}

// NewTunables returns Tunables with the given initial values.
func NewTunables(mode resolve.Mode, idle time.Duration) *Tunables {
	t := &Tunables{}
	t.SetDefaultMode(mode)
	t.SetIdleTimeout(idle)
	return t
}

// DefaultMode is the resolve mode of guilds without a stored preference.
func (t *Tunables) DefaultMode() resolve.Mode { return resolve.Mode(t.defaultMode.Load()) }

// SetDefaultMode changes the default resolve mode.
func (t *Tunables) SetDefaultMode(m resolve.Mode) { t.defaultMode.Store(int32(m)) }

// IdleTimeout is how long a connected session may sit without playback
// before it leaves the voice channel. Zero disables the timeout.
func (t *Tunables) IdleTimeout() time.Duration { return time.Duration(t.idleTimeout.Load()) }

// SetIdleTimeout changes the idle timeout.
func (t *Tunables) SetIdleTimeout(d time.Duration) { t.idleTimeout.Store(int64(max(d, 0))) }

// GuildConfig holds the dependencies of a [GuildSession].
type GuildConfig struct {
	GuildID    string
	Platform   audio.Platform
	Resolver   *resolve.Resolver
	Store      *cache.Store
	Transcoder *transcode.Transcoder
	Settings   settings.Store // may be nil
	Notifier   Notifier       // may be nil
	Metrics    *observe.Metrics
	Tunables   *Tunables

	// Bitrate is applied to every voice connection. Zero keeps the
	// transport default.
	Bitrate int

	// ReconnectBackoff is the first reconnection delay. Zero uses the
	// reconnector default.
	ReconnectBackoff time.Duration
}

// PlayRequest is the input of [GuildSession.Play].
type PlayRequest struct {
	Query string

	// ChannelID is joined before resolving when set.
	ChannelID string

	RequestedBy string

	// Mode overrides the guild's resolve mode when non-nil.
	Mode *resolve.Mode

	Callbacks resolve.Callbacks
}

// PlayResult describes what [GuildSession.Play] enqueued.
type PlayResult struct {
	Entries  []queue.Entry
	Playlist string
	Source   string
	Mode     resolve.Mode

	// Position is the one-based queue position of the first entry, or zero
	// when the player took it off the queue right away.
	Position int
}

// NowPlaying describes the current track.
type NowPlaying struct {
	Entry   queue.Entry
	Started time.Time
	Elapsed time.Duration
	Paused  bool
}

// voiceSink is one installed voice connection. gone is closed when it is
// replaced or removed so that a blocked send can move on.
type voiceSink struct {
	conn audio.Connection
	gone chan struct{}
}

// playing is the track the player is streaming.
type playing struct {
	entry    queue.Entry
	started  time.Time
	elapsed  atomic.Int64
	stop     chan struct{}
	stopOnce sync.Once
}

func (p *playing) halt() { p.stopOnce.Do(func() { close(p.stop) }) }

func (p *playing) halted() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

// GuildSession is the playback state of one guild: its cache, queue,
// transcoder, voice connection and the player goroutine that ties them
// together. All methods are safe for concurrent use.
type GuildSession struct {
	cfg   GuildConfig
	queue *queue.Queue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	wake   chan struct{}

	joinMu sync.Mutex

	mu         sync.Mutex
	rc         *session.Reconnector
	sink       *voiceSink
	sinkReady  chan struct{}
	readyShut  bool
	current    *playing
	paused     chan struct{}
	lastActive time.Time
	closed     bool

	closeOnce sync.Once
}

// NewGuildSession returns a session and starts its player goroutine.
func NewGuildSession(cfg GuildConfig) *GuildSession {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Tunables == nil {
		cfg.Tunables = NewTunables(resolve.Consistent, 0)
	}
	ctx, cancel := context.WithCancel(observe.WithGuild(context.Background(), cfg.GuildID))
	s := &GuildSession{
		cfg:        cfg,
		queue:      queue.New(),
		ctx:        ctx,
		cancel:     cancel,
		wake:       make(chan struct{}, 1),
		sinkReady:  make(chan struct{}),
		lastActive: time.Now(),
	}
	s.wg.Go(s.run)
	return s
}

// GuildID returns the tenant this session serves.
func (s *GuildSession) GuildID() string { return s.cfg.GuildID }

// Cache returns the guild's cache store.
func (s *GuildSession) Cache() *cache.Store { return s.cfg.Store }

// Queue returns a snapshot of the queued entries, excluding the current
// track.
func (s *GuildSession) Queue() []queue.Entry { return s.queue.Snapshot() }

// ChannelID returns the joined voice channel, or "" when disconnected.
func (s *GuildSession) ChannelID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rc == nil {
		return ""
	}
	return s.rc.ChannelID()
}

// Join connects to channelID. Joining the current channel is a no-op;
// joining another one moves the bot.
func (s *GuildSession) Join(ctx context.Context, channelID string) error {
	s.joinMu.Lock()
	defer s.joinMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.rc != nil && s.rc.ChannelID() == channelID {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	s.leave()

	var rc *session.Reconnector
	rc = session.NewReconnector(session.ReconnectorConfig{
		Platform:    s.cfg.Platform,
		GuildID:     s.cfg.GuildID,
		ChannelID:   channelID,
		Backoff:     s.cfg.ReconnectBackoff,
		OnReconnect: func(conn audio.Connection) { s.reconnected(rc, conn) },
		OnGiveUp:    func(err error) { s.lost(rc, err) },
	})
	conn, err := rc.Connect(ctx)
	if err != nil {
		return fmt.Errorf("app: join %s: %w", channelID, err)
	}
	s.applyBitrate(conn)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = rc.Stop()
		return ErrClosed
	}
	s.rc = rc
	s.lastActive = time.Now()
	s.installLocked(conn)
	s.mu.Unlock()

	rc.Monitor(s.ctx)
	s.cfg.Metrics.ActiveSessions.Add(s.ctx, 1)
	observe.Logger(s.ctx).Info("joined voice channel", "channel_id", channelID)
	s.signal()
	return nil
}

// Leave disconnects from voice. Queued entries are kept.
func (s *GuildSession) Leave() {
	s.joinMu.Lock()
	defer s.joinMu.Unlock()
	s.leave()
}

func (s *GuildSession) leave() {
	s.mu.Lock()
	rc := s.rc
	s.rc = nil
	s.installLocked(nil)
	s.mu.Unlock()
	if rc == nil {
		return
	}
	if err := rc.Stop(); err != nil {
		observe.Logger(s.ctx).Warn("voice disconnect failed", "err", err)
	}
	s.cfg.Metrics.ActiveSessions.Add(s.ctx, -1)
	observe.Logger(s.ctx).Info("left voice channel", "channel_id", rc.ChannelID())
}

func (s *GuildSession) reconnected(rc *session.Reconnector, conn audio.Connection) {
	s.mu.Lock()
	if s.rc != rc {
		s.mu.Unlock()
		return
	}
	s.installLocked(conn)
	s.mu.Unlock()
	s.applyBitrate(conn)
}

func (s *GuildSession) lost(rc *session.Reconnector, err error) {
	s.mu.Lock()
	if s.rc != rc {
		s.mu.Unlock()
		return
	}
	s.rc = nil
	s.installLocked(nil)
	cur := s.current
	s.mu.Unlock()

	_ = rc.Stop()
	s.cfg.Metrics.ActiveSessions.Add(s.ctx, -1)
	if cur != nil {
		cur.halt()
		s.cfg.Transcoder.Stop()
	}
	s.notify(Notice{Kind: NoticeVoiceLost, Err: err})
}

// installLocked swaps the voice sink. s.mu must be held.
func (s *GuildSession) installLocked(conn audio.Connection) {
	if s.sink != nil {
		close(s.sink.gone)
		s.sink = nil
	}
	if conn == nil {
		if s.readyShut {
			s.sinkReady = make(chan struct{})
			s.readyShut = false
		}
		return
	}
	s.sink = &voiceSink{conn: conn, gone: make(chan struct{})}
	if !s.readyShut {
		close(s.sinkReady)
		s.readyShut = true
	}
}

func (s *GuildSession) applyBitrate(conn audio.Connection) {
	if s.cfg.Bitrate <= 0 {
		return
	}
	if err := conn.SetBitrate(s.cfg.Bitrate); err != nil {
		observe.Logger(s.ctx).Warn("set voice bitrate failed", "bitrate", s.cfg.Bitrate, "err", err)
	}
}

func (s *GuildSession) connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink != nil
}

func (s *GuildSession) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Play resolves req.Query and appends the result to the queue. Fast-mode
// items that are still downloading are swapped for their cached form in
// place once their admission finishes.
func (s *GuildSession) Play(ctx context.Context, req PlayRequest) (PlayResult, error) {
	if req.ChannelID != "" {
		if err := s.Join(ctx, req.ChannelID); err != nil {
			return PlayResult{}, err
		}
	} else if s.ChannelID() == "" {
		return PlayResult{}, ErrNotConnected
	}

	mode := s.mode(ctx, req.Mode)
	res, err := s.cfg.Resolver.Resolve(ctx, req.Query, s.cfg.Store, mode, resolve.WithCallbacks(req.Callbacks))
	if err != nil {
		return PlayResult{}, fmt.Errorf("app: play %q: %w", req.Query, err)
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		res.Close()
		return PlayResult{}, ErrClosed
	}

	entries := make([]queue.Entry, 0, len(res.Items)+len(res.Deferred))
	for i, item := range res.Items {
		e := queue.NewEntry(item, req.RequestedBy)
		entries = append(entries, e)
		if res.Admission(i) != nil {
			s.swapWhenCached(res, i, e.ID)
		}
	}
	for _, d := range res.Deferred {
		ref := d.SourceURL
		if ref == "" {
			ref = d.Title
		}
		entries = append(entries, queue.NewPending(ref, d.Title, req.RequestedBy))
	}
	if len(entries) == 0 {
		return PlayResult{}, fmt.Errorf("app: play %q: %w", req.Query, media.ErrUnavailable)
	}
	s.queue.Enqueue(entries...)

	out := PlayResult{
		Entries:  entries,
		Playlist: res.PlaylistName,
		Source:   res.Source,
		Mode:     mode,
	}
	for i, e := range s.queue.Snapshot() {
		if e.ID == entries[0].ID {
			out.Position = i + 1
			break
		}
	}
	observe.Logger(ctx).Info("enqueued", "query", req.Query, "entries", len(entries), "mode", mode, "source", res.Source)
	return out, nil
}

// swapWhenCached replaces the live item of entry id with its cached
// descriptor once admission i of res finishes. Entries that were dequeued or
// removed in the meantime are left alone.
func (s *GuildSession) swapWhenCached(res *resolve.Resolution, i int, id uuid.UUID) {
	s.wg.Go(func() {
		d, err := res.Await(s.ctx, i)
		if err != nil {
			observe.Logger(s.ctx).Debug("admission did not complete", "title", res.Items[i].Title, "err", err)
			return
		}
		old, err := s.queue.Replace(id, d)
		if err != nil {
			return
		}
		closeStream(old.Item)
	})
}

// mode returns override, the guild's stored mode or the default mode.
func (s *GuildSession) mode(ctx context.Context, override *resolve.Mode) resolve.Mode {
	if override != nil {
		return *override
	}
	fallback := s.cfg.Tunables.DefaultMode()
	if s.cfg.Settings == nil {
		return fallback
	}
	st, err := s.cfg.Settings.Get(ctx, s.cfg.GuildID)
	if err != nil {
		observe.Logger(ctx).Warn("load guild settings failed", "err", err)
		return fallback
	}
	return st.ResolveMode(fallback)
}

// Skip stops the current track. The player continues with the next entry.
func (s *GuildSession) Skip() (queue.Entry, error) {
	s.mu.Lock()
	cur := s.current
	s.resumeLocked()
	s.mu.Unlock()
	if cur == nil {
		return queue.Entry{}, ErrNothingPlaying
	}
	cur.halt()
	s.cfg.Transcoder.Stop()
	return cur.entry, nil
}

// Pause holds playback of the current track.
func (s *GuildSession) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ErrNothingPlaying
	}
	if s.paused == nil {
		s.paused = make(chan struct{})
	}
	return nil
}

// Resume continues a paused track.
func (s *GuildSession) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ErrNothingPlaying
	}
	s.resumeLocked()
	return nil
}

func (s *GuildSession) resumeLocked() {
	if s.paused != nil {
		close(s.paused)
		s.paused = nil
	}
}

// Stop clears the queue, stops the current track and leaves voice. It
// returns the number of queued entries that were dropped.
func (s *GuildSession) Stop() int {
	n := s.Clear()
	_, _ = s.Skip()
	s.Leave()
	return n
}

// Clear empties the queue without touching the current track.
func (s *GuildSession) Clear() int {
	removed := s.queue.Clear()
	for _, e := range removed {
		closeStream(e.Item)
	}
	return len(removed)
}

// Remove drops the entry at one-based position pos.
func (s *GuildSession) Remove(pos int) (queue.Entry, error) {
	e, err := s.queue.RemoveAt(pos - 1)
	if err != nil {
		return queue.Entry{}, err
	}
	closeStream(e.Item)
	return e, nil
}

// RemoveTitle drops the entry whose title best matches title.
func (s *GuildSession) RemoveTitle(title string) (queue.Entry, error) {
	i := s.queue.FindByTitle(title)
	if i < 0 {
		return queue.Entry{}, fmt.Errorf("app: no queued title matches %q: %w", title, queue.ErrNoEntry)
	}
	return s.Remove(i + 1)
}

// NowPlaying returns the current track.
func (s *GuildSession) NowPlaying() (NowPlaying, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return NowPlaying{}, false
	}
	return NowPlaying{
		Entry:   s.current.entry,
		Started: s.current.started,
		Elapsed: time.Duration(s.current.elapsed.Load()),
		Paused:  s.paused != nil,
	}, true
}

// Close stops playback, leaves voice, releases queued streams and waits for
// the session's goroutines. It is idempotent.
func (s *GuildSession) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.Clear()
		_, _ = s.Skip()
		s.cancel()
		s.Leave()
		s.wg.Wait()
		s.Clear()
	})
	return nil
}

func (s *GuildSession) notify(n Notice) {
	n.GuildID = s.cfg.GuildID
	observe.Logger(s.ctx).Debug("playback notice", "kind", n.Kind, "title", n.Entry.Title(), "err", n.Err)
	if s.cfg.Notifier != nil {
		s.cfg.Notifier.Notify(s.ctx, n)
	}
}

func closeStream(d media.Descriptor) {
	if d.Stream != nil {
		_ = d.Stream.Close()
	}
}

// ---------------------------------------------------------------------------
// player
// ---------------------------------------------------------------------------

// run is the player loop. It drains the queue while a voice sink is
// installed and leaves voice after the idle timeout.
func (s *GuildSession) run() {
	for {
		if s.connected() {
			if e, err := s.queue.Dequeue(); err == nil {
				s.play(e)
				s.touch()
				continue
			}
		}

		var (
			idle  <-chan time.Time
			timer *time.Timer
		)
		if d, ok := s.idleRemaining(); ok {
			if d <= 0 {
				s.leaveIdle()
				continue
			}
			timer = time.NewTimer(d)
			idle = timer.C
		}

		select {
		case <-s.ctx.Done():
		case <-s.queue.Ready():
		case <-s.wake:
		case <-idle:
		}
		if timer != nil {
			timer.Stop()
		}
		if s.ctx.Err() != nil {
			return
		}
	}
}

func (s *GuildSession) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// idleRemaining reports how long the connected, idle session may wait
// before leaving. ok is false when no timeout applies.
func (s *GuildSession) idleRemaining() (time.Duration, bool) {
	timeout := s.cfg.Tunables.IdleTimeout()
	s.mu.Lock()
	defer s.mu.Unlock()
	if timeout <= 0 || s.rc == nil {
		return 0, false
	}
	return time.Until(s.lastActive.Add(timeout)), true
}

func (s *GuildSession) leaveIdle() {
	observe.Logger(s.ctx).Info("leaving voice after idle timeout", "idle_timeout", s.cfg.Tunables.IdleTimeout())
	s.Leave()
	s.notify(Notice{Kind: NoticeIdleLeft})
}

// play streams one entry to the sink. Failures are reported and the entry is
// skipped.
func (s *GuildSession) play(e queue.Entry) {
	ctx := s.ctx
	log := observe.Logger(ctx).With("title", e.Title())

	// Pinned before the cache lookup in prepare so a prune cannot remove
	// the file between lookup and transcoder start.
	release := s.cfg.Store.Pin(e.Title())
	defer release()

	item, err := s.prepare(ctx, e)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warn("skipping unplayable entry", "err", err)
		s.notify(Notice{Kind: NoticeTrackFailed, Entry: e, Err: err})
		return
	}
	if item.Title != e.Title() {
		defer s.cfg.Store.Pin(item.Title)()
	}
	e.Item, e.Request = item, nil

	cur := &playing{entry: e, started: time.Now(), stop: make(chan struct{})}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		closeStream(item)
		return
	}
	s.current = cur
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.current = nil
		s.resumeLocked()
		s.mu.Unlock()
	}()

	in := transcode.Input{Path: item.Path}
	if !item.Cached() {
		in = transcode.Input{Stream: item.Stream}
	}
	proc, err := s.cfg.Transcoder.Start(ctx, in)
	if err != nil {
		closeStream(item)
		log.Error("start transcoder failed", "err", err)
		s.notify(Notice{Kind: NoticeTrackFailed, Entry: e, Err: err})
		return
	}
	defer proc.Stop()
	if cur.halted() {
		return
	}

	s.cfg.Metrics.RecordTrackStarted(ctx, item.Cached())
	log.Info("track started", "cached", item.Cached(), "requested_by", e.RequestedBy)
	s.notify(Notice{Kind: NoticeTrackStarted, Entry: e})

	err = s.pump(ctx, cur, proc.Output())
	switch {
	case cur.halted(), ctx.Err() != nil:
		proc.Stop()
	case err != nil:
		log.Debug("output read ended", "err", err)
		proc.Stop()
	default:
		// Output ended on its own; let the exit status decide the outcome.
		_ = proc.Wait(ctx)
	}

	if proc.State() == transcode.StateFailed {
		log.Warn("track failed", "err", proc.Err())
		s.notify(Notice{Kind: NoticeTrackFailed, Entry: e, Err: proc.Err()})
		return
	}
	log.Info("track ended", "state", proc.State(), "elapsed", time.Duration(cur.elapsed.Load()))
}

// prepare returns a playable descriptor for e: pending entries are resolved,
// cached entries are re-validated and resolved again when their files were
// evicted in the meantime.
func (s *GuildSession) prepare(ctx context.Context, e queue.Entry) (media.Descriptor, error) {
	item := e.Item
	switch {
	case e.Pending():
		return s.resolveItem(ctx, media.Descriptor{Title: e.Request.Title, SourceURL: e.Request.Query})
	case item.Cached():
		d, err := s.cfg.Store.Get(item.Title)
		if err == nil {
			return d, nil
		}
		if !errors.Is(err, media.ErrNotFound) {
			return media.Descriptor{}, err
		}
		item.Path = ""
		return s.resolveItem(ctx, item)
	case item.Live():
		return item, nil
	default:
		return s.resolveItem(ctx, item)
	}
}

func (s *GuildSession) resolveItem(ctx context.Context, d media.Descriptor) (media.Descriptor, error) {
	res, err := s.cfg.Resolver.ResolveItem(ctx, d, s.cfg.Store, s.mode(ctx, nil))
	if err != nil {
		return media.Descriptor{}, err
	}
	first, ok := res.First()
	if !ok {
		return media.Descriptor{}, fmt.Errorf("app: resolve %q: %w", d.Title, media.ErrUnavailable)
	}
	for _, extra := range res.Items[1:] {
		closeStream(extra)
	}
	return first, nil
}

// pump reads PCM frames from r and sends them to the voice sink until r ends
// or the track is halted. A short final frame is padded with silence.
func (s *GuildSession) pump(ctx context.Context, cur *playing, r io.Reader) error {
	var pos time.Duration
	for {
		data := make([]byte, transcode.FrameBytes)
		n, err := io.ReadFull(r, data)
		if n > 0 {
			frame := audio.AudioFrame{
				Data:       data,
				SampleRate: transcode.SampleRate,
				Channels:   transcode.Channels,
				Timestamp:  pos,
			}
			if !s.send(ctx, cur, frame) {
				return nil
			}
			pos += frame.Duration()
			cur.elapsed.Store(int64(pos))
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return nil
		default:
			return err
		}
	}
}

// send delivers frame to the current sink, blocking while the transport is
// busy, playback is paused or voice is reconnecting. It reports false when
// the track was halted.
func (s *GuildSession) send(ctx context.Context, cur *playing, frame audio.AudioFrame) bool {
	for {
		if !s.waitResumed(ctx, cur) {
			return false
		}
		sink, ok := s.waitSink(ctx, cur)
		if !ok {
			return false
		}
		select {
		case sink.conn.OutputStream() <- frame:
			return true
		case <-sink.gone:
		case <-cur.stop:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (s *GuildSession) waitResumed(ctx context.Context, cur *playing) bool {
	for {
		s.mu.Lock()
		gate := s.paused
		s.mu.Unlock()
		if gate == nil {
			return true
		}
		select {
		case <-gate:
		case <-cur.stop:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (s *GuildSession) waitSink(ctx context.Context, cur *playing) (*voiceSink, bool) {
	for {
		s.mu.Lock()
		sink, ready := s.sink, s.sinkReady
		s.mu.Unlock()
		if sink != nil {
			return sink, true
		}
		select {
		case <-ready:
		case <-cur.stop:
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}
