// Package mock is a scriptable vendor for tests.
package mock

import (
	"context"
	"sync"

	"greeting-service/internal/provider"
)

type outcome struct {
	result *provider.SendResult
	err    error
}

type Provider struct {
	mu       sync.Mutex
	outcomes []outcome
	calls    int
	emails   []string
}

func NewProvider() *Provider {
	return &Provider{}
}

// Respond queues a 2xx acknowledgement for the next call.
func (p *Provider) Respond(code int, body string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcomes = append(p.outcomes, outcome{result: &provider.SendResult{StatusCode: code, Body: body}})
}

// Fail queues an error for the next call.
func (p *Provider) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcomes = append(p.outcomes, outcome{err: err})
}

func (p *Provider) Send(ctx context.Context, email, message string) (*provider.SendResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++
	p.emails = append(p.emails, email)

	if len(p.outcomes) == 0 {
		return &provider.SendResult{StatusCode: 200, Body: `{"status":"accepted"}`}, nil
	}
	next := p.outcomes[0]
	p.outcomes = p.outcomes[1:]
	return next.result, next.err
}

func (p *Provider) State() string { return "closed" }

func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *Provider) Emails() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.emails...)
}
