package ytdlp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	goytdlp "github.com/lrstanley/go-ytdlp"

	"github.com/MrWong99/cadenza/pkg/media"
)

// audioFormat prefers container formats the transcoder can demux without
// re-probing.
const audioFormat = "bestaudio[ext=webm]/bestaudio[ext=m4a]/bestaudio/best"

// printTemplate is the --print template parsed by [parseEntries]. Fields are
// tab separated and absent values print as "NA".
const printTemplate = "%(webpage_url,url)s\t%(title)s\t%(uploader)s\t%(duration)s\t%(ext)s\t%(filesize,filesize_approx)s\t%(playlist_title)s\t%(playlist_index)s"

// Entry is one item reported by yt-dlp.
type Entry struct {
	URL           string
	Title         string
	Uploader      string
	Duration      time.Duration
	Ext           string
	Size          int64
	Playlist      string
	PlaylistIndex int
}

// Runner executes yt-dlp.
type Runner interface {
	// Metadata lists the entries behind ref without downloading. Playlists
	// are expanded flat and truncated to limit entries.
	Metadata(ctx context.Context, ref string, limit int) ([]Entry, error)

	// Stream starts a download of ref to a pipe. Closing the reader stops
	// the download.
	Stream(ctx context.Context, ref string) (io.ReadCloser, error)
}

// BinaryRunner runs the yt-dlp executable through go-ytdlp.
type BinaryRunner struct {
	// Path overrides the executable; empty uses "yt-dlp" from PATH.
	Path string
	// Proxy is passed as --proxy when set.
	Proxy string
}

var _ Runner = (*BinaryRunner)(nil)

func (b *BinaryRunner) command() *goytdlp.Command {
	cmd := goytdlp.New().
		Quiet().
		NoWarnings().
		IgnoreConfig()
	if b.Path != "" {
		cmd.SetExecutable(b.Path)
	}
	if b.Proxy != "" {
		cmd.Proxy(b.Proxy)
	}
	return cmd
}

// Metadata implements [Runner].
func (b *BinaryRunner) Metadata(ctx context.Context, ref string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 1
	}
	res, err := b.command().
		FlatPlaylist().
		Format(audioFormat).
		Print(printTemplate).
		PlaylistItems(fmt.Sprintf("1-%d", limit)).
		Run(ctx, "--skip-download", ref)
	if err != nil {
		stderr := ""
		if res != nil {
			stderr = res.Stderr
		}
		return nil, classify(err, stderr)
	}
	entries := parseEntries(res.Stdout)
	if len(entries) == 0 {
		return nil, fmt.Errorf("ytdlp: %q produced no entries: %w", ref, media.ErrUnavailable)
	}
	return entries, nil
}

// Stream implements [Runner].
func (b *BinaryRunner) Stream(ctx context.Context, ref string) (io.ReadCloser, error) {
	ctx, cancel := context.WithCancel(ctx)
	cmd := b.command().
		Format(audioFormat).
		Output("-").
		NoSimulate().
		NoPart().
		NoPlaylist().
		NoCheckCertificates().
		BuildCommand(ctx, ref)
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ytdlp: stdout pipe: %w", err)
	}
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("ytdlp: start: %w: %w", media.ErrDownloadFailed, err)
	}
	return &procReader{r: stdout, wait: cmd.Wait, cancel: cancel, stderr: stderr}, nil
}

// procReader reads a download pipe and surfaces the process exit status at
// EOF.
type procReader struct {
	r      io.Reader
	wait   func() error
	cancel context.CancelFunc
	stderr *tailBuffer

	once    sync.Once
	waitErr error
	closed  atomic.Bool
}

func (p *procReader) finish() error {
	p.once.Do(func() {
		p.waitErr = p.wait()
		p.cancel()
	})
	return p.waitErr
}

func (p *procReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if errors.Is(err, io.EOF) {
		if werr := p.finish(); werr != nil && !p.closed.Load() {
			return n, classify(werr, p.stderr.String())
		}
	}
	return n, err
}

func (p *procReader) Close() error {
	p.closed.Store(true)
	p.cancel()
	_ = p.finish()
	return nil
}

// classify maps a yt-dlp failure onto the media error taxonomy.
func classify(err error, stderr string) error {
	msg := strings.ToLower(stderr)
	for _, marker := range unavailableMarkers {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("ytdlp: %s: %w", firstLine(stderr), media.ErrUnavailable)
		}
	}
	if line := firstLine(stderr); line != "" {
		return fmt.Errorf("ytdlp: %s: %w: %w", line, media.ErrDownloadFailed, err)
	}
	return fmt.Errorf("ytdlp: %w: %w", media.ErrDownloadFailed, err)
}

var unavailableMarkers = []string{
	"drm",
	"video unavailable",
	"private video",
	"has been removed",
	"not available in your country",
	"geo restricted",
	"sign in to confirm your age",
	"members-only",
	"requested format is not available",
	"unsupported url",
	"no video formats found",
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimPrefix(s, "ERROR: ")
}

func parseEntries(stdout string) []Entry {
	var out []Entry
	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		ps := strings.Split(line, "\t")
		if len(ps) < 8 {
			continue
		}
		e := Entry{
			URL:      na(ps[0]),
			Title:    na(ps[1]),
			Uploader: na(ps[2]),
			Ext:      na(ps[4]),
			Playlist: na(ps[6]),
		}
		if e.URL == "" || e.Title == "" {
			continue
		}
		if secs, err := strconv.ParseFloat(na(ps[3]), 64); err == nil {
			e.Duration = time.Duration(secs * float64(time.Second))
		}
		e.Size, _ = strconv.ParseInt(na(ps[5]), 10, 64)
		e.PlaylistIndex, _ = strconv.Atoi(na(ps[7]))
		out = append(out, e)
	}
	return out
}

func na(s string) string {
	s = strings.TrimSpace(s)
	if s == "NA" {
		return ""
	}
	return s
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
