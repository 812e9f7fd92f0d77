package llm

import (
	"context"
	"fmt"
	"iter"
	"sync"
)

// Step is one scripted element of a Mock stream.
type Step struct {
	Fragment Fragment
	Err      error
	// Wait, when set, blocks the step until the channel is closed or the
	// context is done.
	Wait <-chan struct{}
}

// Mock is a scripted Generator for tests and offline development.
// Without a Script it echoes the last user message.
type Mock struct {
	Script func(req Request) []Step

	mu       sync.Mutex
	requests []Request
}

func NewMock(steps ...Step) *Mock {
	if len(steps) == 0 {
		return &Mock{}
	}
	return &Mock{Script: func(Request) []Step { return steps }}
}

// Requests returns the requests received so far.
func (m *Mock) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

func (m *Mock) Stream(ctx context.Context, req Request) iter.Seq2[Fragment, error] {
	return func(yield func(Fragment, error) bool) {
		m.mu.Lock()
		m.requests = append(m.requests, req)
		m.mu.Unlock()

		steps := m.echo(req)
		if m.Script != nil {
			steps = m.Script(req)
		}

		for _, s := range steps {
			if s.Wait != nil {
				select {
				case <-s.Wait:
				case <-ctx.Done():
					yield(Fragment{}, ctx.Err())
					return
				}
			}
			if s.Err != nil {
				yield(Fragment{}, s.Err)
				return
			}
			if !yield(s.Fragment, nil) {
				return
			}
		}
	}
}

func (m *Mock) echo(req Request) []Step {
	text := "..."
	if i := lastUserIndex(req.Transcript); i >= 0 && req.Transcript[i].Content != "" {
		text = req.Transcript[i].Content
	}
	return []Step{
		{Fragment: Fragment{Text: "You said: "}},
		{Fragment: Fragment{Text: text}},
	}
}

// MockImages returns canned images or an error.
type MockImages struct {
	Images []string
	Err    error

	mu    sync.Mutex
	calls []ImageRequest
}

func (m *MockImages) GenerateImage(ctx context.Context, req ImageRequest) ([]string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}
	return append([]string(nil), m.Images...), nil
}

func (m *MockImages) Calls() []ImageRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ImageRequest(nil), m.calls...)
}

// MockSpeech returns a fixed clip for any text.
type MockSpeech struct {
	Err error
}

func (m *MockSpeech) Synthesize(ctx context.Context, text string) (Audio, error) {
	if m.Err != nil {
		return Audio{}, m.Err
	}
	if text == "" {
		return Audio{}, fmt.Errorf("nothing to say")
	}
	// 10ms of silence at 8kHz.
	return Audio{Data: PCMToWAV(make([]byte, 160), 8000, 1, 16), MIMEType: "audio/wav"}, nil
}
