package intercept

import (
	"bytes"
	"errors"
)

// ErrFilterNotInitialized is returned when data arrives before Init.
var ErrFilterNotInitialized = errors.New("response filter not initialized")

// CompleteFunc receives the full response body once the stream ends.
type CompleteFunc func(data []byte) error

// ResponseFilter accumulates one streamed response body. All chunks for a
// filter arrive on a single delivery context, in order.
type ResponseFilter struct {
	id         RequestID
	buf        *bytes.Buffer
	done       bool
	onComplete CompleteFunc
}

// NewResponseFilter returns a filter that calls onComplete at end of stream.
func NewResponseFilter(id RequestID, onComplete CompleteFunc) *ResponseFilter {
	return &ResponseFilter{id: id, onComplete: onComplete}
}

// ID returns the request identifier the filter is bound to.
func (f *ResponseFilter) ID() RequestID {
	return f.id
}

// Init prepares an empty buffer. It must be called before any chunk.
func (f *ResponseFilter) Init() {
	f.buf = &bytes.Buffer{}
	f.done = false
}

// OnChunk appends data to the buffer. An empty chunk marks end of stream and
// invokes the completion callback exactly once with a snapshot of the buffer.
func (f *ResponseFilter) OnChunk(data []byte) error {
	if f.buf == nil {
		return ErrFilterNotInitialized
	}
	if f.done {
		return nil
	}
	if len(data) == 0 {
		f.done = true
		if f.onComplete == nil {
			return nil
		}
		return f.onComplete(f.Data())
	}
	f.buf.Write(data)
	return nil
}

// Done reports whether end of stream has been seen.
func (f *ResponseFilter) Done() bool {
	return f.done
}

// Data returns a copy of the bytes buffered so far.
func (f *ResponseFilter) Data() []byte {
	if f.buf == nil {
		return nil
	}
	return bytes.Clone(f.buf.Bytes())
}
