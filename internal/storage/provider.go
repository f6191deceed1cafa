// Package storage routes artifact writes to the sink matching the output path:
// "-" is standard output, gs://bucket/object is Google Cloud Storage, and
// anything else is the local filesystem.
package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/JakeFAU/crypko-downloader/internal/download"
	"github.com/JakeFAU/crypko-downloader/internal/storage/gcs"
)

// StdoutPath designates standard output as the artifact destination.
const StdoutPath = "-"

// Router implements download.Sink by dispatching on the path form.
type Router struct {
	local  download.Sink
	remote download.Sink
	stdout *Stream
}

// NewRouter builds a Router. remote may be nil when no gs:// paths are used.
func NewRouter(local, remote download.Sink, stdout io.Writer) *Router {
	return &Router{local: local, remote: remote, stdout: NewStream(stdout)}
}

func (r *Router) pick(path string) (download.Sink, error) {
	switch {
	case path == StdoutPath:
		return r.stdout, nil
	case strings.HasPrefix(path, gcs.Scheme):
		if r.remote == nil {
			return nil, fmt.Errorf("no cloud storage sink configured for %s", path)
		}
		return r.remote, nil
	default:
		return r.local, nil
	}
}

// Save writes data to the sink addressed by path.
func (r *Router) Save(ctx context.Context, path string, data []byte) error {
	sink, err := r.pick(path)
	if err != nil {
		return err
	}
	return sink.Save(ctx, path, data)
}

// Exists reports whether the output at path is already present.
func (r *Router) Exists(ctx context.Context, path string) (bool, error) {
	sink, err := r.pick(path)
	if err != nil {
		return false, err
	}
	return sink.Exists(ctx, path)
}

// Stream writes artifacts to a writer such as standard output.
type Stream struct {
	mu sync.Mutex
	w  io.Writer
}

// NewStream wraps w. Concurrent Saves are serialized.
func NewStream(w io.Writer) *Stream {
	return &Stream{w: w}
}

// Save writes data to the underlying writer, ignoring path.
func (s *Stream) Save(_ context.Context, _ string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return fmt.Errorf("no output stream")
	}
	if _, err := s.w.Write(data); err != nil {
		return fmt.Errorf("write stream: %w", err)
	}
	return nil
}

// Exists is always false; a stream never holds a previous output.
func (*Stream) Exists(context.Context, string) (bool, error) {
	return false, nil
}
