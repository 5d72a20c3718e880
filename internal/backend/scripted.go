package backend

import (
	"context"
	"fmt"
	"sync"
)

// Scripted is a deterministic in-memory backend for tests and offline
// runs. Responses are matched by a caller-supplied selector; unmatched
// requests fall through to a default reply.
type Scripted struct {
	mu sync.Mutex

	// Respond computes the reply for a request. When nil, the default
	// reply is used.
	Respond func(req Request) (string, error)
	// Default is returned when Respond is nil.
	Default string

	calls []Request
}

// NewScripted creates a scripted backend with a fixed default reply.
func NewScripted(defaultReply string) *Scripted {
	return &Scripted{Default: defaultReply}
}

// Invoke records the call and returns the scripted reply.
func (s *Scripted) Invoke(_ context.Context, req Request) (Response, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	respond := s.Respond
	s.mu.Unlock()

	if respond != nil {
		content, err := respond(req)
		if err != nil {
			return Response{}, err
		}
		return Response{Content: content, Model: req.Model}, nil
	}
	if s.Default == "" {
		return Response{}, fmt.Errorf("scripted: no response configured for model %q", req.Model)
	}
	return Response{Content: s.Default, Model: req.Model}, nil
}

// Calls returns a copy of all recorded requests.
func (s *Scripted) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns the number of recorded requests.
func (s *Scripted) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}
