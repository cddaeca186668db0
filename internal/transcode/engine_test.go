//go:build unix

package transcode

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maneesh/gaitlab/internal/errs"
)

// fakeFFmpeg writes an executable shell script standing in for ffmpeg.
func fakeFFmpeg(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestEngine_StreamDeliversStdout(t *testing.T) {
	bin := fakeFFmpeg(t, `printf 'ftypfragment'`)
	e := NewEngine(bin, time.Second, zerolog.Nop())

	p, err := e.Stream(context.Background(), []Source{"https://s/a.avi?sig=1"})
	require.NoError(t, err)
	defer p.Close()

	out, err := io.ReadAll(p.Stdout())
	require.NoError(t, err)
	assert.Equal(t, "ftypfragment", string(out))
	assert.NoError(t, p.Wait())
	assert.Equal(t, ModeSingle, p.Mode())
	assert.False(t, p.Stopped())
}

func TestEngine_NonZeroExitCarriesDiagnostics(t *testing.T) {
	bin := fakeFFmpeg(t, `echo "Server returned 403 Forbidden" >&2; exit 1`)
	e := NewEngine(bin, time.Second, zerolog.Nop())

	p, err := e.Stream(context.Background(), []Source{"https://s/a", "https://s/b"})
	require.NoError(t, err)
	defer p.Close()

	out, _ := io.ReadAll(p.Stdout())
	assert.Empty(t, out)

	err = p.Wait()
	require.Error(t, err)
	assert.Equal(t, errs.KindEngineCrashed, errs.KindOf(err))
	var e2 *errs.Error
	require.ErrorAs(t, err, &e2)
	assert.Equal(t, 1, e2.ExitCode)
	assert.Contains(t, e2.Diagnostics, "403 Forbidden")
	assert.Equal(t, ModeConcat, p.Mode())
}

func TestEngine_MissingBinaryIsUnavailable(t *testing.T) {
	e := NewEngine(filepath.Join(t.TempDir(), "nope"), time.Second, zerolog.Nop())

	_, err := e.Stream(context.Background(), []Source{"https://s/a"})
	require.Error(t, err)
	assert.Equal(t, errs.KindEngineUnavailable, errs.KindOf(err))
}

func TestEngine_NoSources(t *testing.T) {
	e := NewEngine("ffmpeg", time.Second, zerolog.Nop())
	_, err := e.Stream(context.Background(), nil)
	assert.Equal(t, errs.KindBadRequest, errs.KindOf(err))
}

func TestProcess_StopTerminates(t *testing.T) {
	bin := fakeFFmpeg(t, `exec sleep 30`)
	e := NewEngine(bin, 2*time.Second, zerolog.Nop())

	p, err := e.Stream(context.Background(), []Source{"https://s/a"})
	require.NoError(t, err)

	start := time.Now()
	p.Stop()
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, p.Stopped())
	require.NoError(t, p.Close())
}

func TestProcess_StopEscalatesToKill(t *testing.T) {
	bin := fakeFFmpeg(t, `trap '' TERM; while true; do sleep 1; done`)
	e := NewEngine(bin, 300*time.Millisecond, zerolog.Nop())

	p, err := e.Stream(context.Background(), []Source{"https://s/a"})
	require.NoError(t, err)
	defer p.Close()

	// let the shell install its trap
	time.Sleep(100 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("process survived SIGKILL escalation")
	}
	assert.True(t, p.Stopped())
}

func TestProcess_ContextCancelStops(t *testing.T) {
	bin := fakeFFmpeg(t, `exec sleep 30`)
	e := NewEngine(bin, time.Second, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	p, err := e.Stream(ctx, []Source{"https://s/a"})
	require.NoError(t, err)
	defer p.Close()

	cancel()
	select {
	case <-p.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("process not stopped after cancel")
	}
}

func TestEngine_TranscodeFile(t *testing.T) {
	// the last argument is the output path
	bin := fakeFFmpeg(t, `for a; do out="$a"; done; printf 'mp4' > "$out"`)
	e := NewEngine(bin, time.Second, zerolog.Nop())

	dir := t.TempDir()
	out := filepath.Join(dir, "out.mp4")
	require.NoError(t, e.TranscodeFile(context.Background(), []Source{Source(filepath.Join(dir, "0.avi"))}, out))

	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "mp4", string(b))
}

func TestEngine_TranscodeFileFailure(t *testing.T) {
	bin := fakeFFmpeg(t, `echo "Invalid data found when processing input" >&2; exit 183`)
	e := NewEngine(bin, time.Second, zerolog.Nop())

	err := e.TranscodeFile(context.Background(), []Source{"/tmp/a.avi"}, filepath.Join(t.TempDir(), "o.mp4"))
	require.Error(t, err)
	assert.Equal(t, errs.KindEngineCrashed, errs.KindOf(err))
	assert.Contains(t, errs.Diagnostics(err), "Invalid data")
}

func TestEngine_DiagnosticsHideSignedInputs(t *testing.T) {
	bin := fakeFFmpeg(t, `for a; do case "$a" in http*) echo "$a: Server returned 404 Not Found" >&2;; esac; done; exit 1`)
	e := NewEngine(bin, time.Second, zerolog.Nop())

	p, err := e.Stream(context.Background(), []Source{"http://minio:9000/b/a.avi?X-Amz-Signature=SECRETSIG"})
	require.NoError(t, err)
	defer p.Close()
	_, _ = io.ReadAll(p.Stdout())

	err = p.Wait()
	require.Error(t, err)
	assert.Contains(t, errs.Diagnostics(err), "http://minio:9000/b/a.avi?<redacted>")
	assert.Contains(t, errs.Diagnostics(err), "Server returned 404")
	assert.NotContains(t, errs.Diagnostics(err), "SECRETSIG")
	assert.NotContains(t, p.Diagnostics(), "SECRETSIG")
}
