package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"testing"
	"time"
)

// Fake ffmpeg executables, written once before any test forks a process.
var (
	fakeCat   string // copies the -i input to stdout
	fakeFail  string // exits 1 with a diagnostic on stderr
	fakeSleep string // sleeps until interrupted
	fakeHung  string // ignores SIGINT
)

const catScript = `#!/bin/sh
in=""
prev=""
for a in "$@"; do
	if [ "$prev" = "-i" ]; then in="$a"; fi
	prev="$a"
done
if [ "$in" = "pipe:0" ]; then exec cat; fi
exec cat "$in"
`

func TestMain(m *testing.M) {
	if runtime.GOOS == "windows" {
		os.Exit(0)
	}
	dir, err := os.MkdirTemp("", "fake-ffmpeg-")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(body), 0o755); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return p
	}
	fakeCat = write("cat", catScript)
	fakeFail = write("fail", "#!/bin/sh\necho 'pipe:0: Invalid data found when processing input' >&2\nexit 1\n")
	fakeSleep = write("sleep", "#!/bin/sh\nexec sleep 30\n")
	fakeHung = write("hung", "#!/bin/sh\ntrap '' INT\nexec sleep 30\n")

	code := m.Run()
	os.RemoveAll(dir)
	os.Exit(code)
}

func newTranscoder(t *testing.T, path string) *Transcoder {
	t.Helper()
	tr := New(Config{FFmpegPath: path, StopTimeout: 200 * time.Millisecond, BufferSize: 4096})
	t.Cleanup(tr.Stop)
	return tr
}

func pcm(frames int) []byte {
	b := make([]byte, frames*FrameBytes)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func TestArgs(t *testing.T) {
	t.Parallel()
	tail := []string{"-vn", "-f", "s16le", "-ar", "48000", "-ac", "2", "pipe:1"}

	tests := []struct {
		name      string
		in        Input
		wantIn    string
		reconnect bool
		nostdin   bool
	}{
		{"file", Input{Path: "/cache/song.webm"}, "/cache/song.webm", false, true},
		{"url", Input{Path: "https://cdn.example.com/a.mp3"}, "https://cdn.example.com/a.mp3", true, true},
		{"stream", Input{Stream: strings.NewReader("")}, "pipe:0", false, false},
		{"pipe", Input{Pipe: true}, "pipe:0", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := args(tt.in)
			i := slices.Index(a, "-i")
			if i < 0 || a[i+1] != tt.wantIn {
				t.Fatalf("args = %v, want -i %s", a, tt.wantIn)
			}
			if !slices.Equal(a[len(a)-len(tail):], tail) {
				t.Errorf("args tail = %v", a[len(a)-len(tail):])
			}
			if got := slices.Contains(a, "-reconnect"); got != tt.reconnect {
				t.Errorf("reconnect = %v, want %v", got, tt.reconnect)
			}
			if got := slices.Contains(a, "-nostdin"); got != tt.nostdin {
				t.Errorf("nostdin = %v, want %v", got, tt.nostdin)
			}
		})
	}
}

func TestInputValidate(t *testing.T) {
	t.Parallel()
	bad := []Input{{}, {Path: "x", Pipe: true}, {Path: "x", Stream: strings.NewReader("")}}
	for _, in := range bad {
		if err := in.validate(); err == nil {
			t.Errorf("validate(%+v): expected error", in)
		}
	}
	if err := (Input{Pipe: true}).validate(); err != nil {
		t.Errorf("pipe input: %v", err)
	}
}

func TestProcess_CompletesFromFile(t *testing.T) {
	t.Parallel()
	data := pcm(3)
	src := filepath.Join(t.TempDir(), "track.raw")
	if err := os.WriteFile(src, data, 0o644); err != nil {
		t.Fatal(err)
	}

	tr := newTranscoder(t, fakeCat)
	p, err := tr.Start(context.Background(), Input{Path: src})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	got, err := io.ReadAll(p.Output())
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("output %d bytes, want %d", len(got), len(data))
	}
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if p.State() != StateCompleted {
		t.Errorf("State = %v, want completed", p.State())
	}

	p.Stop()
	p.Stop()
	if p.State() != StateCompleted {
		t.Errorf("State after Stop = %v, want completed", p.State())
	}
}

// closeRecorder records whether the stream was closed.
type closeRecorder struct {
	io.Reader
	closed chan struct{}
}

func (c *closeRecorder) Close() error {
	close(c.closed)
	return nil
}

func TestProcess_Stream(t *testing.T) {
	t.Parallel()
	data := pcm(2)
	src := &closeRecorder{Reader: bytes.NewReader(data), closed: make(chan struct{})}

	p, err := newTranscoder(t, fakeCat).Start(context.Background(), Input{Stream: src})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	got, err := io.ReadAll(p.Output())
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("output = %d bytes, %v", len(got), err)
	}
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	select {
	case <-src.closed:
	case <-time.After(time.Second):
		t.Error("input stream not closed after exit")
	}
}

func TestProcess_Pipe(t *testing.T) {
	t.Parallel()
	p, err := newTranscoder(t, fakeCat).Start(context.Background(), Input{Pipe: true})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	go func() {
		_, _ = p.Input().Write([]byte("raw bytes"))
		_ = p.Input().Close()
	}()
	got, _ := io.ReadAll(p.Output())
	if string(got) != "raw bytes" {
		t.Errorf("output = %q", got)
	}
}

func TestProcess_FailureCarriesStderr(t *testing.T) {
	t.Parallel()
	p, err := newTranscoder(t, fakeFail).Start(context.Background(), Input{Path: "/nope"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	_, _ = io.ReadAll(p.Output())
	err = p.Wait(context.Background())
	if !errors.Is(err, ErrProcessFailure) {
		t.Fatalf("err = %v, want ErrProcessFailure", err)
	}
	if !strings.Contains(err.Error(), "Invalid data found") {
		t.Errorf("err %q lacks stderr detail", err)
	}
	if p.State() != StateFailed || p.Err() == nil {
		t.Errorf("State = %v, Err = %v", p.State(), p.Err())
	}
}

func TestProcess_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	p, err := newTranscoder(t, fakeSleep).Start(context.Background(), Input{Path: "/x"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if p.State() != StateRunning {
		t.Fatalf("State = %v, want running", p.State())
	}
	for range 3 {
		p.Stop()
	}
	if p.State() != StateStopped {
		t.Errorf("State = %v, want stopped", p.State())
	}
	if p.Err() != nil {
		t.Errorf("Err = %v, want nil for a stopped process", p.Err())
	}
	if _, err := p.Output().Read(make([]byte, 16)); err == nil {
		t.Error("output still readable after Stop")
	}
}

func TestProcess_StopKillsHungProcess(t *testing.T) {
	t.Parallel()
	p, err := newTranscoder(t, fakeHung).Start(context.Background(), Input{Path: "/x"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Give the shell time to install its trap.
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	p.Stop()
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Stop took %v", elapsed)
	}
	if p.State() != StateStopped {
		t.Errorf("State = %v, want stopped", p.State())
	}
}

func TestProcess_ContextCancelStops(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	p, err := newTranscoder(t, fakeSleep).Start(ctx, Input{Path: "/x"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process survived context cancellation")
	}
	if p.State() != StateStopped {
		t.Errorf("State = %v, want stopped", p.State())
	}
}

func TestTranscoder_StartReplacesRunning(t *testing.T) {
	t.Parallel()
	tr := newTranscoder(t, fakeSleep)
	first, err := tr.Start(context.Background(), Input{Path: "/a"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := tr.Start(context.Background(), Input{Path: "/b"})
	if err != nil {
		t.Fatal(err)
	}
	if first.State() != StateStopped {
		t.Errorf("first State = %v, want stopped", first.State())
	}
	if tr.Current() != second || second.State() != StateRunning {
		t.Errorf("Current = %p (state %v), want second", tr.Current(), second.State())
	}
	tr.Stop()
	if second.State() != StateStopped {
		t.Errorf("second State = %v", second.State())
	}
}

func TestTranscoder_StartError(t *testing.T) {
	t.Parallel()
	tr := New(Config{FFmpegPath: filepath.Join(t.TempDir(), "missing-ffmpeg")})
	if _, err := tr.Start(context.Background(), Input{Path: "/x"}); err == nil {
		t.Fatal("expected error for missing executable")
	}
	if tr.Current() != nil {
		t.Error("failed start left a current process")
	}
	tr.Stop()
}

// TestTranscoder_NoHandleLeak runs sequentially so that the descriptor count
// is not disturbed by parallel tests.
func TestTranscoder_NoHandleLeak(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("descriptor counting uses /proc")
	}
	countFDs := func() int {
		des, err := os.ReadDir("/proc/self/fd")
		if err != nil {
			t.Fatal(err)
		}
		return len(des)
	}

	tr := New(Config{FFmpegPath: fakeSleep, StopTimeout: 200 * time.Millisecond})
	cycle := func() {
		if _, err := tr.Start(context.Background(), Input{Stream: strings.NewReader("")}); err != nil {
			t.Fatal(err)
		}
		tr.Stop()
		tr.Stop()
	}
	// The first cycle initialises the runtime poller.
	cycle()
	before := countFDs()
	for range 5 {
		cycle()
	}
	if after := countFDs(); after > before {
		t.Errorf("open descriptors grew from %d to %d", before, after)
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()
	for s, want := range map[State]string{
		StateCreated: "created", StateRunning: "running", StateCompleted: "completed",
		StateStopped: "stopped", StateFailed: "failed", State(42): "unknown",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
	if StateRunning.Terminal() || !StateFailed.Terminal() {
		t.Error("Terminal misclassifies states")
	}
}
