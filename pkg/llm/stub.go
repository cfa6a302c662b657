package llm

import (
	"context"
	"sync"
)

// StubClient returns scripted completions for tests. Responses are
// consumed in order; when the script runs out the last entry repeats.
// An optional Responder overrides the script per call.
type StubClient struct {
	mu        sync.Mutex
	responses []Response
	errs      []error
	calls     int
	prompts   []string

	// Responder, when set, computes the response from the prompt.
	Responder func(system, prompt string) (*Response, error)
}

// NewStubClient creates a stub that replays the given responses.
func NewStubClient(responses ...Response) *StubClient {
	return &StubClient{responses: responses}
}

// Fail arranges for call number n (0-based) to return err.
func (s *StubClient) Fail(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.errs) <= n {
		s.errs = append(s.errs, nil)
	}
	s.errs[n] = err
}

func (s *StubClient) Model() string { return "stub" }

func (s *StubClient) Complete(_ context.Context, system, prompt string) (*Response, error) {
	s.mu.Lock()
	call := s.calls
	s.calls++
	s.prompts = append(s.prompts, prompt)
	var scripted error
	if call < len(s.errs) {
		scripted = s.errs[call]
	}
	s.mu.Unlock()

	if scripted != nil {
		return nil, scripted
	}
	if s.Responder != nil {
		return s.Responder(system, prompt)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.responses) == 0 {
		return &Response{Text: "ok", Usage: Usage{InputTokens: 10, OutputTokens: 10, TotalTokens: 20}}, nil
	}
	idx := call
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	resp := s.responses[idx]
	return &resp, nil
}

// Calls reports how many completions were requested.
func (s *StubClient) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Prompts returns the user prompts seen so far.
func (s *StubClient) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}
