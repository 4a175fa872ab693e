// Package mock provides an in-memory stt.Provider test double that records
// every call, so tests can assert both results and invocation counts (e.g.
// that the gate rejected a request before any transport call was made).
package mock

import (
	"context"
	"sync"

	"github.com/theramjad/hyperwhisper-cloud/pkg/provider/stt"
)

// Provider is a configurable stt.Provider double. The zero value returns
// empty results; set Result/Err (or the URL variants) to script behaviour.
// All fields must be set before concurrent use begins.
type Provider struct {
	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// Result and Err script the Transcribe outcome. When ErrOnce is
	// non-nil it is returned for the first call only.
	Result  stt.Result
	Err     error
	ErrOnce error

	// URLResult and URLErr script the TranscribeURL outcome.
	URLResult stt.Result
	URLErr    error

	mu        sync.Mutex
	calls     int
	urlCalls  int
	lastReq   stt.Request
	lastURL   string
	seenFirst bool
}

var (
	_ stt.Provider       = (*Provider)(nil)
	_ stt.URLTranscriber = (*Provider)(nil)
)

// Name implements stt.Provider.
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(_ context.Context, req stt.Request) (stt.Result, error) {
	p.mu.Lock()
	p.calls++
	p.lastReq = req
	first := !p.seenFirst
	p.seenFirst = true
	p.mu.Unlock()

	if first && p.ErrOnce != nil {
		return stt.Result{}, p.ErrOnce
	}
	if p.Err != nil {
		return stt.Result{}, p.Err
	}
	res := p.Result
	if res.Provider == "" {
		res.Provider = p.Name()
	}
	return res, nil
}

// TranscribeURL implements stt.URLTranscriber.
func (p *Provider) TranscribeURL(_ context.Context, url string, req stt.Request) (stt.Result, error) {
	p.mu.Lock()
	p.urlCalls++
	p.lastReq = req
	p.lastURL = url
	p.mu.Unlock()

	if p.URLErr != nil {
		return stt.Result{}, p.URLErr
	}
	res := p.URLResult
	if res.Provider == "" {
		res.Provider = p.Name()
	}
	return res, nil
}

// Calls returns the number of Transcribe invocations.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// URLCalls returns the number of TranscribeURL invocations.
func (p *Provider) URLCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.urlCalls
}

// LastURL returns the URL passed to the most recent TranscribeURL call.
func (p *Provider) LastURL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastURL
}

// LastRequest returns the most recently observed request.
func (p *Provider) LastRequest() stt.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastReq
}
