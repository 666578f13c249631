// Package llmtest provides a scripted llm.Backend for tests.
package llmtest

import (
	"context"
	"errors"
	"iter"
	"slices"
	"sync"

	"github.com/comigor/chatline/internal/llm"
)

// Item is one scripted stream item. When Wait is set the item is held back
// until the channel is closed.
type Item struct {
	Text string
	Err  error
	Wait <-chan struct{}
}

func Text(s string) Item  { return Item{Text: s} }
func Fail(err error) Item { return Item{Err: err} }

// Reply scripts one Chat call. A non-nil Err fails the call before streaming.
type Reply struct {
	Items []Item
	Err   error
}

// Texts is shorthand for a reply made only of text items.
func Texts(chunks ...string) Reply {
	r := Reply{}
	for _, c := range chunks {
		r.Items = append(r.Items, Text(c))
	}
	return r
}

// Call records the arguments of one Chat call.
type Call struct {
	Endpoint llm.Endpoint
	ModelID  string
	Messages []llm.Message
}

// Backend replays scripted replies in call order.
type Backend struct {
	mu      sync.Mutex
	replies []Reply
	calls   []Call

	// Models and ListErr answer ListModels.
	Models  []string
	ListErr error
}

var (
	_ llm.Backend     = (*Backend)(nil)
	_ llm.ModelLister = (*Backend)(nil)
)

// ErrNoReply is returned when Chat is called more often than scripted.
var ErrNoReply = errors.New("llmtest: no reply scripted")

func New(replies ...Reply) *Backend {
	return &Backend{replies: replies}
}

// Push appends replies to the script.
func (b *Backend) Push(replies ...Reply) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.replies = append(b.replies, replies...)
}

func (b *Backend) Chat(ctx context.Context, ep llm.Endpoint, modelID string, messages []llm.Message) (*llm.Stream, error) {
	b.mu.Lock()
	b.calls = append(b.calls, Call{Endpoint: ep, ModelID: modelID, Messages: slices.Clone(messages)})
	if len(b.replies) == 0 {
		b.mu.Unlock()
		return nil, ErrNoReply
	}
	reply := b.replies[0]
	b.replies = b.replies[1:]
	b.mu.Unlock()

	if reply.Err != nil {
		return nil, reply.Err
	}
	return llm.NewStream(replay(ctx, reply.Items), nil), nil
}

func (b *Backend) ListModels(context.Context, llm.Endpoint) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ListErr != nil {
		return nil, b.ListErr
	}
	return slices.Clone(b.Models), nil
}

// Calls returns a copy of the recorded calls.
func (b *Backend) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.calls)
}

func replay(ctx context.Context, items []Item) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, it := range items {
			if it.Wait != nil {
				select {
				case <-it.Wait:
				case <-ctx.Done():
					yield("", ctx.Err())
					return
				}
			}
			if it.Err == nil && it.Text == "" {
				continue
			}
			if !yield(it.Text, it.Err) {
				return
			}
		}
	}
}
