package transcode

import (
	"fmt"
	"regexp"
	"strings"
)

// Mode selects how sources are combined.
type Mode string

const (
	ModeSingle Mode = "single"
	ModeConcat Mode = "concat"
)

// ModeFor returns single for one source, concat otherwise.
func ModeFor(n int) Mode {
	if n == 1 {
		return ModeSingle
	}
	return ModeConcat
}

// Source is a signed URL or a local file path.
type Source string

// Remote reports whether the source is fetched over HTTP.
func (s Source) Remote() bool {
	return strings.HasPrefix(string(s), "http://") || strings.HasPrefix(string(s), "https://")
}

var reconnectArgs = []string{
	"-reconnect", "1",
	"-reconnect_streamed", "1",
	"-reconnect_at_eof", "1",
	"-reconnect_delay_max", "2",
}

// baseline H.264 with no audio plays in every browser
var encodeArgs = []string{
	"-c:v", "libx264",
	"-crf", "28",
	"-pix_fmt", "yuv420p",
	"-profile:v", "baseline",
	"-level", "3.0",
	"-an",
}

// StreamArgs builds the ffmpeg arguments for a fragmented MP4 written to stdout.
func StreamArgs(sources []Source) []string {
	args := inputArgs(sources)
	preset := []string{"-preset", "veryfast", "-tune", "zerolatency"}
	if ModeFor(len(sources)) == ModeConcat {
		preset = []string{"-preset", "ultrafast"}
	}
	args = append(args, preset...)
	args = append(args, encodeArgs...)
	return append(args,
		"-movflags", "frag_keyframe+empty_moov+default_base_moof",
		"-f", "mp4",
		"-y", "pipe:1",
	)
}

// FileArgs builds the ffmpeg arguments for a fully indexed MP4 at outPath.
func FileArgs(sources []Source, outPath string) []string {
	args := inputArgs(sources)
	args = append(args, "-preset", "veryfast")
	args = append(args, encodeArgs...)
	return append(args,
		"-movflags", "+faststart",
		"-f", "mp4",
		"-y", outPath,
	)
}

func inputArgs(sources []Source) []string {
	args := []string{"-hide_banner", "-loglevel", "info", "-nostdin"}
	for _, src := range sources {
		// input options bind to the next -i only
		if src.Remote() {
			args = append(args, reconnectArgs...)
		}
		args = append(args, "-i", string(src))
	}
	if ModeFor(len(sources)) == ModeConcat {
		args = append(args, "-filter_complex", ConcatFilter(len(sources)), "-map", "[v]")
	}
	return args
}

// ConcatFilter returns the video-only concat graph for n inputs,
// e.g. "[0:v][1:v][2:v]concat=n=3:v=1:a=0[v]".
func ConcatFilter(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "[%d:v]", i)
	}
	fmt.Fprintf(&b, "concat=n=%d:v=1:a=0[v]", n)
	return b.String()
}

// redactArgs hides signed query strings before arguments are logged.
func redactArgs(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if Source(a).Remote() {
			if before, _, ok := strings.Cut(a, "?"); ok {
				a = before + "?<redacted>"
			}
		}
		out[i] = a
	}
	return out
}

var signedQuery = regexp.MustCompile(`(https?://[^\s?"']+)\?[^\s"']+`)

// Scrub hides signed query strings in free text such as ffmpeg stderr, which
// echoes failing input URLs.
func Scrub(s string) string {
	return signedQuery.ReplaceAllString(s, "$1?<redacted>")
}
