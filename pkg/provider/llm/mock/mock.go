// Package mock provides an in-memory llm.Provider test double that records
// calls and returns scripted responses.
package mock

import (
	"context"
	"sync"

	"github.com/theramjad/hyperwhisper-cloud/pkg/provider/llm"
)

// Provider is a configurable llm.Provider double.
type Provider struct {
	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// Response and Err script the Complete outcome. When ErrOnce is
	// non-nil it is returned for the first call only.
	Response llm.Response
	Err      error
	ErrOnce  error

	mu        sync.Mutex
	calls     int
	lastReq   llm.Request
	seenFirst bool
}

var _ llm.Provider = (*Provider)(nil)

// Name implements llm.Provider.
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Complete implements llm.Provider.
func (p *Provider) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	p.mu.Lock()
	p.calls++
	p.lastReq = req
	first := !p.seenFirst
	p.seenFirst = true
	p.mu.Unlock()

	if first && p.ErrOnce != nil {
		return llm.Response{}, p.ErrOnce
	}
	if p.Err != nil {
		return llm.Response{}, p.Err
	}
	return p.Response, nil
}

// Calls returns the number of Complete invocations.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// LastRequest returns the most recently observed request.
func (p *Provider) LastRequest() llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastReq
}
