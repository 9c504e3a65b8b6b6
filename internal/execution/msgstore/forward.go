package msgstore

import (
	"bufio"
	"context"
	"io"
)

// kind selects which Push method a forwarder line is routed through.
type kind int

const (
	kindStdout kind = iota
	kindStderr
)

// SpawnForwarder drains r into the store until it reaches EOF or ctx is
// cancelled, newline-aligning byte chunks into discrete messages so a
// subscriber isn't woken once per read() syscall under high-throughput
// output. The caller attaches one forwarder per stdout/stderr pipe
// returned by the spawned action.
func (s *Store) SpawnForwarder(ctx context.Context, r io.Reader, k kind) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := scanner.Text()
		switch k {
		case kindStdout:
			s.PushStdout(line)
		case kindStderr:
			s.PushStderr(line)
		}
	}
}

// ForwardStdout drains r as stdout lines. Convenience wrapper over
// SpawnForwarder for callers that don't need to select a kind dynamically.
func (s *Store) ForwardStdout(ctx context.Context, r io.Reader) {
	s.SpawnForwarder(ctx, r, kindStdout)
}

// ForwardStderr drains r as stderr lines.
func (s *Store) ForwardStderr(ctx context.Context, r io.Reader) {
	s.SpawnForwarder(ctx, r, kindStderr)
}
