// Package dump writes the per-session diagnostic PCM streams: near-end
// input, far-end reference, and AEC output, as raw headerless byte streams
// for offline inspection.
package dump

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

type stream struct {
	f *os.File
	w *bufio.Writer
}

func openStream(dir, prefix string, ts int64) *stream {
	path := filepath.Join(dir, fmt.Sprintf("%s-%d.pcm", prefix, ts))
	f, err := os.Create(path)
	if err != nil {
		return nil
	}
	return &stream{f: f, w: bufio.NewWriterSize(f, 1<<16)}
}

func (s *stream) write(b []byte) {
	if s == nil {
		return
	}
	s.w.Write(b)
}

func (s *stream) close() {
	if s == nil {
		return
	}
	s.w.Flush()
	s.f.Close()
}

// Session is one capture session's set of dump files. A nil *Session is
// valid and discards everything, so callers never branch on whether dumping
// is enabled. A stream whose file failed to open is silently disabled.
type Session struct {
	near *stream
	far  *stream
	out  *stream
}

// Open creates the three dump files in dir, named after the current time.
// Open failures are non-fatal: the affected stream is disabled and the
// session still works.
func Open(dir string, log zerolog.Logger) *Session {
	if dir == "" {
		return nil
	}

	ts := time.Now().Unix()
	s := &Session{
		near: openStream(dir, "aec_in0", ts),
		far:  openStream(dir, "aec_in1", ts),
		out:  openStream(dir, "aec_out", ts),
	}
	if s.near == nil || s.far == nil || s.out == nil {
		log.Debug().Str("dir", dir).Msg("some dump streams could not be opened")
	}
	return s
}

// Near records near-end input bytes.
func (s *Session) Near(b []byte) {
	if s == nil {
		return
	}
	s.near.write(b)
}

// Far records far-end reference bytes.
func (s *Session) Far(b []byte) {
	if s == nil {
		return
	}
	s.far.write(b)
}

// Out records AEC output bytes.
func (s *Session) Out(b []byte) {
	if s == nil {
		return
	}
	s.out.write(b)
}

// Close flushes and closes every open stream.
func (s *Session) Close() {
	if s == nil {
		return
	}
	s.near.close()
	s.far.close()
	s.out.close()
}
