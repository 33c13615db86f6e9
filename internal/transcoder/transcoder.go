// Package transcoder implements the Transcoder Supervisor (C2): it owns
// exactly one external encoder process per session, builds its argument
// list from the Stream Format Analyzer's handling profile, exposes its
// stdout for the caller to pump into the session's byte consumer, and
// enforces the graceful-then-forceful termination contract.
//
// Grounded on ManuGH-xg2g's internal/pipeline/exec/ffmpeg/runner.go
// (process lifecycle, stderr ring buffer, promauto counters) and
// attaebra-hdhr-proxy's transcoder.go dependency-injection shape
// (other_examples/), generalized to spec §4.2's build/pump/terminate
// algorithm instead of the teacher's enigma2-specific restart policy.
package transcoder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/plexbridge/tunerd/internal/analyzer"
	"github.com/plexbridge/tunerd/internal/log"
	"github.com/plexbridge/tunerd/internal/metrics"
)

// ExitKind classifies how the encoder process ended, per spec §4.2's
// failure semantics (hard vs. soft failure).
type ExitKind string

const (
	ExitKindNormal      ExitKind = "normal"
	ExitKindHardFailure ExitKind = "hard_failure"
	ExitKindSoftFailure ExitKind = "soft_failure"
	ExitKindKilled      ExitKind = "killed"
)

// Result is delivered on the Handle's Exit channel when the process ends.
type Result struct {
	Kind ExitKind
	Err  error
}

// ActivityFunc is the type of Spawn's onActivity parameter. Spawn does
// not call it: the caller reads Stdout() itself and updates byte
// counters, bandwidth samples, and last-activity on its own.
type ActivityFunc func(n int)

// ErrorLineFunc is called for every stderr line classified as
// error-class, letting the caller (C3) bump its error counter.
type ErrorLineFunc func(line string)

const gracePeriod = 5 * time.Second

// Handle represents one supervised encoder process.
type Handle struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser

	mu        sync.Mutex
	bytesSeen bool
	exited    bool
	exitCh    chan Result
	killOnce  sync.Once
}

// Spawn builds the encoder argument list from profile and starts
// ffmpeg, returning a Handle once the process is running. The caller
// is responsible for reading from Stdout() and eventually calling
// Stop(); if the process exits on its own, Exit() delivers the Result.
func Spawn(ctx context.Context, ffmpegPath string, sourceURI string, profile analyzer.Profile, onActivity ActivityFunc, onErrorLine ErrorLineFunc) (*Handle, error) {
	args := buildArgs(sourceURI, profile)
	cmd := exec.CommandContext(ctx, ffmpegPath, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("transcoder: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("transcoder: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		metrics.TranscoderStartTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("transcoder: start: %w", err)
	}
	metrics.TranscoderStartTotal.WithLabelValues("ok").Inc()

	h := &Handle{
		cmd:    cmd,
		stdout: stdout,
		exitCh: make(chan Result, 1),
	}

	go h.drainStderr(stderr, onErrorLine)
	go h.wait()
	_ = onActivity // caller wraps Stdout() itself; kept for interface symmetry

	return h, nil
}

// Stdout returns the process's stdout pipe for the caller to pump.
// Any read that returns at least one byte marks bytesSeen so exit classification
// (spec §4.2) can distinguish hard vs. soft failure.
func (h *Handle) Stdout() io.Reader {
	return &trackingReader{r: h.stdout, h: h}
}

type trackingReader struct {
	r io.Reader
	h *Handle
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		t.h.mu.Lock()
		t.h.bytesSeen = true
		t.h.mu.Unlock()
	}
	return n, err
}

func (h *Handle) drainStderr(stderr io.ReadCloser, onErrorLine ErrorLineFunc) {
	defer stderr.Close()
	buf := make([]byte, 4096)
	var partial []byte
	for {
		n, err := stderr.Read(buf)
		if n > 0 {
			partial = append(partial, buf[:n]...)
			for {
				idx := bytes.IndexByte(partial, '\n')
				if idx < 0 {
					break
				}
				line := string(partial[:idx])
				partial = partial[idx+1:]
				if isErrorLine(line) && onErrorLine != nil {
					onErrorLine(line)
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func isErrorLine(line string) bool {
	markers := []string{"Error", "error", "failed", "Failed", "Invalid", "Cannot", "cannot"}
	for _, m := range markers {
		if strings.Contains(line, m) {
			return true
		}
	}
	return false
}

func (h *Handle) wait() {
	err := h.cmd.Wait()

	h.mu.Lock()
	sawBytes := h.bytesSeen
	h.exited = true
	h.mu.Unlock()

	var result Result
	switch {
	case err == nil:
		result = Result{Kind: ExitKindNormal}
	case sawBytes:
		result = Result{Kind: ExitKindSoftFailure, Err: err}
	default:
		result = Result{Kind: ExitKindHardFailure, Err: err}
	}
	metrics.TranscoderExitTotal.WithLabelValues(string(result.Kind)).Inc()
	h.exitCh <- result
}

// Exit returns a channel delivering exactly one Result when the process
// ends, whether by itself or via Stop.
func (h *Handle) Exit() <-chan Result {
	return h.exitCh
}

// Stop implements the graceful-then-forceful termination contract: send
// an interrupt, wait gracePeriod, then force-kill. Always closes the
// stdout pipe to unblock the consumer. Idempotent.
func (h *Handle) Stop() {
	h.killOnce.Do(func() {
		logger := log.WithComponent("transcoder")

		h.mu.Lock()
		alreadyExited := h.exited
		h.mu.Unlock()

		if alreadyExited {
			_ = h.stdout.Close()
			return
		}

		if h.cmd.Process != nil {
			_ = h.cmd.Process.Signal(os.Interrupt)
		}

		done := make(chan struct{})
		exited := make(chan struct{})
		go func() {
			select {
			case <-h.exitCh:
				close(exited)
			case <-done:
			}
		}()

		select {
		case <-time.After(gracePeriod):
			if h.cmd.Process != nil {
				logger.Warn().Msg("encoder did not exit within grace period, force-killing")
				_ = h.cmd.Process.Kill()
			}
		case <-exited:
		}
		close(done)
		_ = h.stdout.Close()
	})
}

// buildArgs implements spec §4.2's profile-driven argument construction.
func buildArgs(sourceURI string, profile analyzer.Profile) []string {
	args := []string{"-hide_banner", "-loglevel", "warning"}

	if profile.Kind == "rtsp" {
		args = append(args, "-rtsp_transport", "tcp")
	}

	if profile.HasTokenAuth && profile.PlaylistComplexity == analyzer.ComplexityComplex {
		args = append(args, "-i", sourceURI, "-c", "copy")
	} else {
		args = append(args, "-i", sourceURI, "-c:v", "copy", "-c:a", "copy")
	}

	if profile.IsCDNBacked {
		args = append(args, "-multiple_requests", "1", "-reconnect", "1")
	}

	if profile.PlaylistComplexity == analyzer.ComplexityComplex {
		args = append(args, "-reconnect_at_eof", "1", "-reconnect_streamed", "1")
	}

	args = append(args, "-f", "mpegts", "pipe:1")
	return args
}
