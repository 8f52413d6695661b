package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// Sources and outputs in these tests are text files holding their duration
// in seconds. fakeRunner reads them the way ffprobe would and writes outputs
// with the duration ffmpeg would produce.

type fakeFetcher struct {
	durations map[string]string
}

func (f *fakeFetcher) Fetch(ctx context.Context, src, dst string) error {
	d, ok := f.durations[src]
	if !ok {
		return fmt.Errorf("404 not found: %s", src)
	}
	return os.WriteFile(dst, []byte(d), 0o644)
}

type fakeRunner struct {
	mu      sync.Mutex
	calls   [][]string
	failErr error
	// unreadable makes ffprobe reject matching paths, as with a truncated
	// moov atom.
	unreadable func(path string) bool
}

func (r *fakeRunner) ffmpegCalls() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.calls...)
}

func (r *fakeRunner) FFprobe(ctx context.Context, args ...string) ([]byte, error) {
	if r.unreadable != nil && r.unreadable(args[len(args)-1]) {
		return nil, errors.New("moov atom not found")
	}
	data, err := os.ReadFile(args[len(args)-1])
	if err != nil {
		return nil, err
	}
	if _, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64); err != nil {
		return nil, errors.New("Invalid data found when processing input")
	}
	return append(data, '\n'), nil
}

var lastOffset = regexp.MustCompile(`offset=([0-9.]+)\[vout\]$`)

func (r *fakeRunner) FFmpeg(ctx context.Context, args ...string) error {
	r.mu.Lock()
	r.calls = append(r.calls, args)
	r.mu.Unlock()

	if r.failErr != nil {
		return r.failErr
	}

	var inputs []string
	var graph, limit string
	concat := false
	for i := 0; i < len(args)-1; i++ {
		switch args[i] {
		case "-i":
			inputs = append(inputs, args[i+1])
		case "-filter_complex":
			graph = args[i+1]
		case "-t":
			limit = args[i+1]
		case "-f":
			concat = args[i+1] == "concat"
		}
	}

	var out float64
	switch {
	case concat:
		list, err := os.ReadFile(inputs[0])
		if err != nil {
			return err
		}
		for _, line := range strings.Split(strings.TrimSpace(string(list)), "\n") {
			p := strings.TrimSuffix(strings.TrimPrefix(line, "file '"), "'")
			p = strings.ReplaceAll(p, `'\''`, "'")
			out += durationOf(p)
		}
	case graph != "":
		m := lastOffset.FindStringSubmatch(graph)
		if m == nil {
			return fmt.Errorf("unexpected graph %q", graph)
		}
		offset, _ := strconv.ParseFloat(m[1], 64)
		out = offset + durationOf(inputs[len(inputs)-1])
	default:
		out = durationOf(inputs[0])
	}
	if limit != "" {
		ceiling, _ := strconv.ParseFloat(limit, 64)
		out = min(out, ceiling)
	}

	return os.WriteFile(args[len(args)-1], []byte(strconv.FormatFloat(out, 'f', 3, 64)), 0o644)
}

// durationOf mirrors ffmpeg reading a corrupt header: such inputs still
// decode, here as 5 seconds.
func durationOf(path string) float64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 5
	}
	return d
}

func argValue(args []string, flag string) (string, bool) {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1], true
		}
	}
	return "", false
}
