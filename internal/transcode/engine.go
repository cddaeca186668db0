// Package transcode runs ffmpeg to turn stored segments into browser-playable MP4.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/maneesh/gaitlab/internal/errs"
	"github.com/maneesh/gaitlab/internal/metrics"
)

const (
	stderrTailBytes  = 64 * 1024
	defaultKillGrace = 5 * time.Second
)

// Engine spawns ffmpeg processes. It holds no per-request state.
type Engine struct {
	binPath   string
	killGrace time.Duration
	log       zerolog.Logger
}

// NewEngine creates an Engine. killGrace is how long a process gets between
// SIGTERM and SIGKILL.
func NewEngine(binPath string, killGrace time.Duration, log zerolog.Logger) *Engine {
	if killGrace <= 0 {
		killGrace = defaultKillGrace
	}
	return &Engine{
		binPath:   binPath,
		killGrace: killGrace,
		log:       log.With().Str("component", "transcode-engine").Logger(),
	}
}

// Stream starts a process writing fragmented MP4 to its stdout. Cancelling ctx
// stops the process. The caller must Close the returned Process.
func (e *Engine) Stream(ctx context.Context, sources []Source) (*Process, error) {
	if len(sources) == 0 {
		return nil, errs.BadRequest("transcode.stream", "no segments to merge")
	}
	return e.start(ctx, ModeFor(len(sources)), StreamArgs(sources), true)
}

// TranscodeFile converts local sources into a faststart MP4 at outPath and
// waits for completion.
func (e *Engine) TranscodeFile(ctx context.Context, sources []Source, outPath string) error {
	if len(sources) == 0 {
		return errs.BadRequest("transcode.file", "no segments to merge")
	}
	p, err := e.start(ctx, ModeFor(len(sources)), FileArgs(sources, outPath), false)
	if err != nil {
		return err
	}
	defer p.Close()
	return p.Wait()
}

func (e *Engine) start(ctx context.Context, mode Mode, args []string, pipeStdout bool) (*Process, error) {
	logger := e.log.With().Str("mode", string(mode)).Logger()

	// #nosec G204 -- binary comes from config, arguments are built above
	cmd := exec.Command(e.binPath, args...)
	setProcessGroup(cmd)

	stderr := newRingBuffer(stderrTailBytes)
	cmd.Stderr = stderr
	cmd.WaitDelay = e.killGrace

	// An os.Pipe we own, so Wait can run concurrently with reads without
	// closing the read end under the consumer.
	var stdoutR, stdoutW *os.File
	if pipeStdout {
		var err error
		stdoutR, stdoutW, err = os.Pipe()
		if err != nil {
			return nil, &errs.Error{Kind: errs.KindEngineUnavailable, Op: "transcode.start", Err: err}
		}
		cmd.Stdout = stdoutW
	}

	if err := cmd.Start(); err != nil {
		if stdoutR != nil {
			stdoutR.Close()
			stdoutW.Close()
		}
		logger.Error().Err(err).Str("bin", e.binPath).Msg("ffmpeg process failed to start")
		return nil, &errs.Error{Kind: errs.KindEngineUnavailable, Op: "transcode.start", Message: "transcoder failed to start", Err: err}
	}
	if stdoutW != nil {
		stdoutW.Close()
	}

	metrics.ActiveEngines.Inc()
	logger.Debug().
		Strs("args_redacted", redactArgs(args)).
		Int("pid", cmd.Process.Pid).
		Msg("ffmpeg process started")

	p := &Process{
		cmd:       cmd,
		stdout:    stdoutR,
		stderr:    stderr,
		mode:      mode,
		killGrace: e.killGrace,
		started:   time.Now(),
		done:      make(chan struct{}),
		log:       logger.With().Int("pid", cmd.Process.Pid).Logger(),
	}

	go func() {
		p.waitErr = cmd.Wait()
		metrics.ActiveEngines.Dec()
		close(p.done)
	}()

	go func() {
		select {
		case <-ctx.Done():
			p.Stop()
		case <-p.done:
		}
	}()

	return p, nil
}

// Process is one running ffmpeg invocation.
type Process struct {
	cmd       *exec.Cmd
	stdout    *os.File
	stderr    *ringBuffer
	mode      Mode
	killGrace time.Duration
	started   time.Time

	done    chan struct{}
	waitErr error

	stopOnce  sync.Once
	closeOnce sync.Once
	stopped   atomic.Bool

	log zerolog.Logger
}

// Mode reports how the sources are combined.
func (p *Process) Mode() Mode {
	return p.mode
}

// Stdout is the encoded output. It is nil for file mode.
func (p *Process) Stdout() io.Reader {
	if p.stdout == nil {
		return nil
	}
	return p.stdout
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until exit. A non-zero exit becomes an EngineCrashed error
// carrying the exit code and the stderr tail.
func (p *Process) Wait() error {
	<-p.done
	return p.exitError()
}

func (p *Process) exitError() error {
	if p.waitErr == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(p.waitErr, &exitErr) {
		return &errs.Error{
			Kind:        errs.KindEngineCrashed,
			Op:          "transcode.wait",
			Message:     fmt.Sprintf("transcoder exited with code %d", exitErr.ExitCode()),
			Err:         p.waitErr,
			ExitCode:    exitErr.ExitCode(),
			Diagnostics: p.Diagnostics(),
		}
	}
	if errors.Is(p.waitErr, exec.ErrWaitDelay) {
		// exited cleanly but a descendant held stderr open past WaitDelay
		return nil
	}
	return &errs.Error{Kind: errs.KindEngineCrashed, Op: "transcode.wait", Err: p.waitErr, ExitCode: -1, Diagnostics: p.Diagnostics()}
}

// Diagnostics returns the retained stderr tail with signed queries removed.
func (p *Process) Diagnostics() string {
	return Scrub(p.stderr.String())
}

// Stop sends SIGTERM to the process group and SIGKILL if it is still alive
// after the kill grace. It returns once the process has exited. Safe to call
// more than once and from several goroutines.
func (p *Process) Stop() {
	p.stopOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}

		p.stopped.Store(true)
		if err := terminate(p.cmd); err != nil {
			p.log.Debug().Err(err).Msg("SIGTERM failed")
		}

		timer := time.NewTimer(p.killGrace)
		defer timer.Stop()
		select {
		case <-p.done:
			p.log.Info().Dur("elapsed", time.Since(p.started)).Msg("ffmpeg stopped")
		case <-timer.C:
			p.log.Warn().Dur("grace", p.killGrace).Msg("ffmpeg ignored SIGTERM, killing")
			if err := kill(p.cmd); err != nil {
				p.log.Debug().Err(err).Msg("SIGKILL failed")
			}
			<-p.done
		}
	})
}

// Stopped reports whether Stop had to signal a live process.
func (p *Process) Stopped() bool {
	select {
	case <-p.done:
	default:
		return false
	}
	return p.stopped.Load()
}

// Close stops the process if needed and releases the output pipe.
func (p *Process) Close() error {
	p.Stop()
	var err error
	p.closeOnce.Do(func() {
		if p.stdout != nil {
			err = p.stdout.Close()
		}
	})
	return err
}
