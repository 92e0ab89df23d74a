// Package transcode runs ffmpeg to turn any supported media input into raw
// PCM for the voice sink: signed 16-bit little-endian, 48 kHz, stereo.
//
// A [Process] is one ffmpeg invocation. Its lifecycle is
// Created → Running → Completed | Stopped | Failed. A [Transcoder] supervises
// the single process a tenant may run at a time.
package transcode

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/cadenza/internal/observe"
)

// Output format.
const (
	SampleRate = 48000
	Channels   = 2

	// FrameBytes is one 20 ms frame of output: 960 samples per channel, two
	// channels, two bytes per sample.
	FrameBytes = 960 * Channels * 2
)

const (
	defaultBufferSize  = 192000
	defaultStopTimeout = 3 * time.Second
	stderrTail         = 2048
)

// ErrProcessFailure is wrapped by the error of a process that exited
// unsuccessfully without being stopped.
var ErrProcessFailure = errors.New("transcode: process failure")

// State is the lifecycle state of a [Process].
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateCompleted
	StateStopped
	StateFailed
)

// String returns the state name used in logs and metric attributes.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool { return s >= StateCompleted }

// Config configures a [Transcoder].
type Config struct {
	// FFmpegPath is the ffmpeg executable. Default: "ffmpeg" from PATH.
	FFmpegPath string

	// BufferSize is the size of the buffered output reader in bytes.
	// Default: 192000 (one second of output).
	BufferSize int

	// StopTimeout is how long Stop waits after interrupting ffmpeg before
	// killing it. Default: 3s.
	StopTimeout time.Duration
}

func (c *Config) defaults() {
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = defaultStopTimeout
	}
}

// Input selects what ffmpeg reads. Exactly one field must be set.
type Input struct {
	// Path is a local file or an http(s) URL.
	Path string

	// Stream is copied into ffmpeg's stdin. If it implements io.Closer it is
	// closed when the process ends.
	Stream io.Reader

	// Pipe exposes ffmpeg's stdin through [Process.Input] for the caller to
	// write.
	Pipe bool
}

func (in Input) validate() error {
	n := 0
	if in.Path != "" {
		n++
	}
	if in.Stream != nil {
		n++
	}
	if in.Pipe {
		n++
	}
	if n != 1 {
		return errors.New("transcode: input needs exactly one of path, stream or pipe")
	}
	return nil
}

// args returns the ffmpeg command line for in.
func args(in Input) []string {
	a := []string{"-hide_banner", "-loglevel", "error"}
	src := "pipe:0"
	if in.Path != "" {
		src = in.Path
		a = append(a, "-nostdin")
		if strings.HasPrefix(in.Path, "http://") || strings.HasPrefix(in.Path, "https://") {
			a = append(a,
				"-reconnect", "1",
				"-reconnect_streamed", "1",
				"-reconnect_delay_max", "2",
			)
		}
	}
	return append(a,
		"-i", src,
		"-vn",
		"-f", "s16le",
		"-ar", strconv.Itoa(SampleRate),
		"-ac", strconv.Itoa(Channels),
		"pipe:1",
	)
}

// Option configures a [Transcoder].
type Option func(*Transcoder)

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(t *Transcoder) { t.metrics = m }
}

// Transcoder supervises at most one running [Process]. It is safe for
// concurrent use.
type Transcoder struct {
	cfg     Config
	metrics *observe.Metrics

	mu  sync.Mutex
	cur *Process
}

// New returns a Transcoder.
func New(cfg Config, opts ...Option) *Transcoder {
	cfg.defaults()
	t := &Transcoder{cfg: cfg}
	for _, o := range opts {
		o(t)
	}
	if t.metrics == nil {
		t.metrics = observe.DefaultMetrics()
	}
	return t
}

// Start stops the current process, if any, and launches a new one reading
// in. The process is interrupted when ctx is done.
func (t *Transcoder) Start(ctx context.Context, in Input) (*Process, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur != nil {
		t.cur.Stop()
		t.cur = nil
	}
	p, err := start(ctx, t.cfg, t.metrics, in)
	if err != nil {
		return nil, err
	}
	t.cur = p
	return p, nil
}

// Stop stops the current process. It is a no-op when none is running.
func (t *Transcoder) Stop() {
	t.mu.Lock()
	p := t.cur
	t.mu.Unlock()
	if p != nil {
		p.Stop()
	}
}

// Current returns the most recently started process, or nil.
func (t *Transcoder) Current() *Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cur
}

// Process is one ffmpeg invocation.
type Process struct {
	cmd     *exec.Cmd
	ctx     context.Context
	cancel  context.CancelFunc
	metrics *observe.Metrics

	outR  *os.File
	out   *bufio.Reader
	stdin io.WriteCloser // nil unless Input.Pipe
	src   io.Reader

	stderr *tailBuffer

	state    atomic.Int32
	stopping atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
	err      error // set before done is closed
}

func start(ctx context.Context, cfg Config, m *observe.Metrics, in Input) (*Process, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	pctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(pctx, cfg.FFmpegPath, args(in)...)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = cfg.StopTimeout

	p := &Process{
		cmd:     cmd,
		ctx:     ctx,
		cancel:  cancel,
		metrics: m,
		src:     in.Stream,
		stderr:  &tailBuffer{max: stderrTail},
		done:    make(chan struct{}),
	}
	cmd.Stderr = p.stderr

	var stdin io.WriteCloser
	if in.Path == "" {
		w, err := cmd.StdinPipe()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("transcode: stdin: %w", err)
		}
		stdin = w
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("transcode: stdout: %w", err)
	}
	cmd.Stdout = outW

	if err := cmd.Start(); err != nil {
		cancel()
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("transcode: start %s: %w", cfg.FFmpegPath, err)
	}
	outW.Close()

	p.outR = outR
	p.out = bufio.NewReaderSize(outR, cfg.BufferSize)
	p.state.Store(int32(StateRunning))
	m.ActiveTranscoders.Add(ctx, 1)

	switch {
	case in.Pipe:
		p.stdin = stdin
	case in.Stream != nil:
		go func() {
			_, _ = io.Copy(stdin, in.Stream)
			stdin.Close()
		}()
	}

	go p.wait()

	observe.Logger(ctx).Debug("transcoder started", "pid", cmd.Process.Pid, "input", describe(in))
	return p, nil
}

func (p *Process) wait() {
	werr := p.cmd.Wait()
	p.cancel()

	var final State
	switch {
	case p.stopping.Load(), p.ctx.Err() != nil:
		final = StateStopped
	case werr == nil:
		final = StateCompleted
	default:
		final = StateFailed
		detail := strings.TrimSpace(p.stderr.String())
		if detail != "" {
			p.err = fmt.Errorf("%w: %w: %s", ErrProcessFailure, werr, detail)
		} else {
			p.err = fmt.Errorf("%w: %w", ErrProcessFailure, werr)
		}
	}
	if c, ok := p.src.(io.Closer); ok {
		_ = c.Close()
	}
	p.state.Store(int32(final))
	close(p.done)
	p.metrics.RecordTranscoderExit(context.Background(), final.String())
}

// Output returns the buffered PCM output. Read it until io.EOF, then consult
// [Process.Wait] for the outcome.
func (p *Process) Output() io.Reader { return p.out }

// Input returns ffmpeg's stdin when the process was started with
// Input.Pipe, and nil otherwise. Close it to signal end of input.
func (p *Process) Input() io.WriteCloser { return p.stdin }

// State returns the current state.
func (p *Process) State() State { return State(p.state.Load()) }

// Done is closed when the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Err returns the failure of a process in [StateFailed], and nil otherwise.
func (p *Process) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Wait blocks until the process has exited or ctx is done and returns the
// process error.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop interrupts ffmpeg, kills it if it has not exited after the stop
// timeout, and releases the output pipe. Stop is idempotent and safe to call
// after the process exited on its own; it then leaves the final state
// unchanged.
func (p *Process) Stop() {
	p.stopOnce.Do(func() {
		select {
		case <-p.done:
		default:
			p.stopping.Store(true)
			p.cancel()
		}
		// Unblocks an ffmpeg stuck writing into a full pipe.
		_ = p.outR.Close()
		if p.stdin != nil {
			_ = p.stdin.Close()
		}
		<-p.done
	})
}

func describe(in Input) string {
	switch {
	case in.Path != "":
		return in.Path
	case in.Pipe:
		return "pipe"
	default:
		return "stream"
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf bytes.Buffer
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
