package llm

import (
	"errors"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
)

// ErrStreamConsumed is yielded when a Stream is iterated a second time.
var ErrStreamConsumed = errors.New("llm: stream already consumed")

// Stream is a lazy, finite sequence of text increments. Items carry either a
// non-empty text fragment or an error; an error item does not necessarily end
// the sequence. A Stream can be iterated once. Callers must either iterate it
// (breaking early is fine) or call Close, otherwise the underlying response
// body leaks.
type Stream struct {
	seq       iter.Seq2[string, error]
	closeFn   func() error
	consumed  atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewStream wraps seq. closeFn, if not nil, is called once when iteration ends
// or Close is called.
func NewStream(seq iter.Seq2[string, error], closeFn func() error) *Stream {
	return &Stream{seq: seq, closeFn: closeFn}
}

// All returns the increments in emission order.
func (s *Stream) All() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if !s.consumed.CompareAndSwap(false, true) {
			yield("", ErrStreamConsumed)
			return
		}
		defer s.Close()
		s.seq(yield)
	}
}

// Close releases the stream's resources. It is safe to call more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.consumed.Store(true)
		if s.closeFn != nil {
			s.closeErr = s.closeFn()
		}
	})
	return s.closeErr
}

// Collect drains the stream and concatenates its text. Error items are
// skipped; the first one is returned alongside whatever text was gathered.
func Collect(s *Stream) (string, error) {
	var (
		sb       strings.Builder
		firstErr error
	)
	for text, err := range s.All() {
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		sb.WriteString(text)
	}
	return sb.String(), firstErr
}
