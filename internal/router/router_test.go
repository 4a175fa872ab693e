package router

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/theramjad/hyperwhisper-cloud/internal/observe"
	"github.com/theramjad/hyperwhisper-cloud/internal/pricing"
	"github.com/theramjad/hyperwhisper-cloud/pkg/provider/llm"
	llmmock "github.com/theramjad/hyperwhisper-cloud/pkg/provider/llm/mock"
	"github.com/theramjad/hyperwhisper-cloud/pkg/provider/stt"
	sttmock "github.com/theramjad/hyperwhisper-cloud/pkg/provider/stt/mock"
)

func noSleep(context.Context, time.Duration) error { return nil }

func memSource(payload string) Source {
	return Source{
		ContentType:   "audio/wav",
		ContentLength: int64(len(payload)),
		Open: func() (io.Reader, error) {
			return bytes.NewReader([]byte(payload)), nil
		},
	}
}

func newTestRouter(primary, fallback *sttmock.Provider) *Router {
	r := New(primary.Name(), "", WithSleep(noSleep))
	if fallback != nil {
		r = New(primary.Name(), fallback.Name(), WithSleep(noSleep))
		r.RegisterSTT(Entry{Provider: fallback})
	}
	r.RegisterSTT(Entry{Provider: primary})
	return r
}

func TestTranscribeRetriesTransientThenSucceeds(t *testing.T) {
	p := &sttmock.Provider{
		ProviderName: "deepgram",
		Result:       stt.Result{Text: "hello world", DurationSeconds: 60},
		ErrOnce:      &stt.Error{Provider: "deepgram", Class: stt.ClassTransient, Status: 503, Message: "upstream busy"},
	}
	r := newTestRouter(p, nil)

	res, err := r.Transcribe(context.Background(), "", memSource("aaaa"), Options{})
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if res.Text != "hello world" {
		t.Fatalf("Text = %q, want %q", res.Text, "hello world")
	}
	if got := p.Calls(); got != 2 {
		t.Fatalf("provider calls = %d, want 2", got)
	}
}

func TestTranscribeDoesNotRetryFatal(t *testing.T) {
	p := &sttmock.Provider{
		ProviderName: "deepgram",
		Err:          &stt.Error{Provider: "deepgram", Class: stt.ClassFatal, Status: 401, Message: "bad key"},
	}
	r := newTestRouter(p, nil)

	_, err := r.Transcribe(context.Background(), "", memSource("aaaa"), Options{})
	if err == nil {
		t.Fatal("Transcribe() error = nil, want fatal error")
	}
	if got := p.Calls(); got != 1 {
		t.Fatalf("provider calls = %d, want 1", got)
	}
}

func TestTranscribeRetryExhaustion(t *testing.T) {
	p := &sttmock.Provider{
		ProviderName: "deepgram",
		Err:          &stt.Error{Provider: "deepgram", Class: stt.ClassTransient, Status: 503, Message: "down"},
	}
	r := newTestRouter(p, nil)

	_, err := r.Transcribe(context.Background(), "", memSource("aaaa"), Options{})
	if err == nil {
		t.Fatal("Transcribe() error = nil, want transient error after exhaustion")
	}
	if got, want := p.Calls(), 1+DefaultRetryPolicy.MaxRetries; got != want {
		t.Fatalf("provider calls = %d, want %d", got, want)
	}
}

func TestTranscribeFallsBackOnEdgeBlock(t *testing.T) {
	primary := &sttmock.Provider{
		ProviderName: "elevenlabs",
		Err:          &stt.Error{Provider: "elevenlabs", Class: stt.ClassEdgeBlocked, Status: 403, Message: "blocked"},
	}
	fallback := &sttmock.Provider{
		ProviderName: "openai",
		Result:       stt.Result{Text: "rescued", DurationSeconds: 30},
	}
	r := newTestRouter(primary, fallback)

	res, err := r.Transcribe(context.Background(), "", memSource("aaaa"), Options{})
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if res.FallbackFrom != "elevenlabs" {
		t.Fatalf("FallbackFrom = %q, want %q", res.FallbackFrom, "elevenlabs")
	}
	if res.Provider != "openai" {
		t.Fatalf("Provider = %q, want %q", res.Provider, "openai")
	}
	if got := primary.Calls(); got != 1 {
		t.Fatalf("primary calls = %d, want 1 (edge-block must not retry)", got)
	}
	if got := fallback.Calls(); got != 1 {
		t.Fatalf("fallback calls = %d, want 1", got)
	}
}

func TestTranscribeNoFallbackOnFatal(t *testing.T) {
	primary := &sttmock.Provider{
		ProviderName: "elevenlabs",
		Err:          &stt.Error{Provider: "elevenlabs", Class: stt.ClassFatal, Status: 422, Message: "bad audio"},
	}
	fallback := &sttmock.Provider{ProviderName: "openai", Result: stt.Result{Text: "x"}}
	r := newTestRouter(primary, fallback)

	_, err := r.Transcribe(context.Background(), "", memSource("aaaa"), Options{})
	if err == nil {
		t.Fatal("Transcribe() error = nil, want fatal error")
	}
	if got := fallback.Calls(); got != 0 {
		t.Fatalf("fallback calls = %d, want 0", got)
	}
}

func TestTranscribeFallbackFailureKeepsBothCauses(t *testing.T) {
	primary := &sttmock.Provider{
		ProviderName: "elevenlabs",
		Err:          &stt.Error{Provider: "elevenlabs", Class: stt.ClassEdgeBlocked, Status: 403, Message: "blocked"},
	}
	fallback := &sttmock.Provider{
		ProviderName: "openai",
		Err:          &stt.Error{Provider: "openai", Class: stt.ClassFatal, Status: 400, Message: "unsupported format"},
	}
	r := newTestRouter(primary, fallback)

	_, err := r.Transcribe(context.Background(), "", memSource("aaaa"), Options{})
	if err == nil {
		t.Fatal("Transcribe() error = nil, want error")
	}
	if !strings.Contains(err.Error(), "elevenlabs") || !strings.Contains(err.Error(), "openai") {
		t.Fatalf("error %q should mention both providers", err)
	}
}

func TestTranscribeUnknownProvider(t *testing.T) {
	r := New("deepgram", "", WithSleep(noSleep))
	_, err := r.Transcribe(context.Background(), "nonsense", memSource("aaaa"), Options{})
	if !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("error = %v, want ErrUnknownProvider", err)
	}
}

func TestTranscribeEmptyTranscriptIsNoSpeech(t *testing.T) {
	p := &sttmock.Provider{
		ProviderName: "deepgram",
		Result:       stt.Result{Text: "  \n ", DurationSeconds: 4.2},
	}
	r := newTestRouter(p, nil)

	res, err := r.Transcribe(context.Background(), "", memSource("aaaa"), Options{})
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if !res.NoSpeech {
		t.Fatal("NoSpeech = false, want true")
	}
	if res.Text != "" || res.DurationSeconds != 0 || res.CostUSD != 0 {
		t.Fatalf("no-speech result not zeroed: %+v", res)
	}
}

func TestTranscribeComputesCost(t *testing.T) {
	p := &sttmock.Provider{
		ProviderName: "deepgram",
		Result:       stt.Result{Text: "sixty seconds of speech", DurationSeconds: 60},
	}
	r := newTestRouter(p, nil)

	res, err := r.Transcribe(context.Background(), "", memSource("aaaa"), Options{})
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if want := pricing.STTCost(60, "deepgram"); res.CostUSD != want {
		t.Fatalf("CostUSD = %v, want %v", res.CostUSD, want)
	}
}

type fakeStager struct {
	staged  int
	deleted chan string
}

func (f *fakeStager) Stage(_ context.Context, audio io.Reader, _ string) (string, string, error) {
	f.staged++
	if _, err := io.Copy(io.Discard, audio); err != nil {
		return "", "", err
	}
	return "staged/test-key", "https://storage.example/staged/test-key?sig=abc", nil
}

func (f *fakeStager) Delete(_ context.Context, key string) {
	f.deleted <- key
}

func TestTranscribeStagesOversizedPayload(t *testing.T) {
	p := &sttmock.Provider{
		ProviderName: "deepgram",
		URLResult:    stt.Result{Text: "from url", DurationSeconds: 120},
	}
	fs := &fakeStager{deleted: make(chan string, 1)}
	r := New("deepgram", "", WithSleep(noSleep), WithStager(fs))
	r.RegisterSTT(Entry{Provider: p, MaxDirectBytes: 4})

	res, err := r.Transcribe(context.Background(), "", memSource("more than four bytes"), Options{})
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if res.Text != "from url" {
		t.Fatalf("Text = %q, want %q", res.Text, "from url")
	}
	if p.Calls() != 0 || p.URLCalls() != 1 {
		t.Fatalf("calls = %d direct / %d url, want 0 / 1", p.Calls(), p.URLCalls())
	}
	if fs.staged != 1 {
		t.Fatalf("staged = %d, want 1", fs.staged)
	}

	select {
	case key := <-fs.deleted:
		if key != "staged/test-key" {
			t.Fatalf("deleted key = %q, want %q", key, "staged/test-key")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("staged object was never deleted")
	}
}

// oneShotSource models a body too large to spool in memory: the stream
// can be opened exactly once.
func oneShotSource(payload string) Source {
	var consumed atomic.Bool
	return Source{
		ContentType:   "audio/wav",
		ContentLength: int64(len(payload)),
		Open: func() (io.Reader, error) {
			if consumed.Swap(true) {
				return nil, errors.New("stream already consumed")
			}
			return strings.NewReader(payload), nil
		},
	}
}

func TestTranscribeFallbackReusesStagedUpload(t *testing.T) {
	primary := &sttmock.Provider{
		ProviderName: "deepgram",
		URLErr:       &stt.Error{Provider: "deepgram", Class: stt.ClassEdgeBlocked, Status: 403, Message: "blocked"},
	}
	fallback := &sttmock.Provider{
		ProviderName: "elevenlabs",
		URLResult:    stt.Result{Text: "rescued from storage", DurationSeconds: 200},
	}
	fs := &fakeStager{deleted: make(chan string, 1)}
	r := New("deepgram", "elevenlabs", WithSleep(noSleep), WithStager(fs))
	r.RegisterSTT(Entry{Provider: primary, MaxDirectBytes: 4})
	r.RegisterSTT(Entry{Provider: fallback, MaxDirectBytes: 4})

	// The payload stream is consumed by the primary's staged upload; the
	// fallback hop must reuse the staged object, not re-open the source.
	res, err := r.Transcribe(context.Background(), "", oneShotSource("an oversized recording"), Options{})
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if res.Text != "rescued from storage" {
		t.Fatalf("Text = %q, want %q", res.Text, "rescued from storage")
	}
	if res.FallbackFrom != "deepgram" {
		t.Fatalf("FallbackFrom = %q, want %q", res.FallbackFrom, "deepgram")
	}
	if fs.staged != 1 {
		t.Fatalf("staged = %d, want 1 (one upload shared by both hops)", fs.staged)
	}
	if got, want := fallback.LastURL(), "https://storage.example/staged/test-key?sig=abc"; got != want {
		t.Fatalf("fallback URL = %q, want the primary's presigned URL %q", got, want)
	}

	select {
	case key := <-fs.deleted:
		if key != "staged/test-key" {
			t.Fatalf("deleted key = %q, want %q", key, "staged/test-key")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("staged object was never deleted")
	}
}

// directOnly hides the URL mode of the wrapped mock so the router sees a
// provider that can only accept direct uploads.
type directOnly struct{ p *sttmock.Provider }

func (d directOnly) Name() string { return d.p.Name() }
func (d directOnly) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	return d.p.Transcribe(ctx, req)
}

func TestTranscribeOversizedWithoutURLModeIsRejected(t *testing.T) {
	p := &sttmock.Provider{ProviderName: "openai"}
	r := New("openai", "", WithSleep(noSleep), WithStager(&fakeStager{deleted: make(chan string, 1)}))
	r.RegisterSTT(Entry{Provider: directOnly{p}, MaxDirectBytes: 4})

	_, err := r.Transcribe(context.Background(), "", memSource("way too big"), Options{})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("error = %v, want ErrPayloadTooLarge", err)
	}
	if p.Calls() != 0 {
		t.Fatalf("provider calls = %d, want 0", p.Calls())
	}
}

func TestTranscribeHintsReachProvider(t *testing.T) {
	p := &sttmock.Provider{ProviderName: "deepgram", Result: stt.Result{Text: "hi"}}
	r := newTestRouter(p, nil)

	_, err := r.Transcribe(context.Background(), "", memSource("aaaa"), Options{
		Language: "de",
		Keywords: []string{"Kubernetes"},
		Prompt:   "Technical vocabulary.",
	})
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	req := p.LastRequest()
	if req.Language != "de" || len(req.Keywords) != 1 || req.Prompt == "" {
		t.Fatalf("hints not forwarded: %+v", req)
	}
}

func TestCleanupSkipsWithoutSystemPrompt(t *testing.T) {
	p := &llmmock.Provider{ProviderName: "openai"}
	r := New("deepgram", "", WithSleep(noSleep))
	r.RegisterLLM(p)
	r.SetDefaultLLM("openai")

	res, err := r.Cleanup(context.Background(), "", "", "raw transcript")
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if !res.Skipped || res.Text != "raw transcript" {
		t.Fatalf("result = %+v, want skipped pass-through", res)
	}
	if p.Calls() != 0 {
		t.Fatalf("llm calls = %d, want 0", p.Calls())
	}
}

func TestCleanupRetriesTransient(t *testing.T) {
	p := &llmmock.Provider{
		ProviderName: "openai",
		Response:     llm.Response{Text: "Cleaned.", Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12}},
		ErrOnce:      &llm.Error{Provider: "openai", Status: 429, Transient: true, Message: "rate limited"},
	}
	r := New("deepgram", "", WithSleep(noSleep))
	r.RegisterLLM(p)
	r.SetDefaultLLM("openai")

	res, err := r.Cleanup(context.Background(), "", "Fix punctuation.", "cleaned")
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if res.Text != "Cleaned." {
		t.Fatalf("Text = %q, want %q", res.Text, "Cleaned.")
	}
	if p.Calls() != 2 {
		t.Fatalf("llm calls = %d, want 2", p.Calls())
	}
}

func TestCleanupKeepsOriginalOnEmptyCompletion(t *testing.T) {
	p := &llmmock.Provider{ProviderName: "openai"}
	r := New("deepgram", "", WithSleep(noSleep))
	r.RegisterLLM(p)
	r.SetDefaultLLM("openai")

	res, err := r.Cleanup(context.Background(), "", "Fix punctuation.", "the original words")
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if res.Text != "the original words" {
		t.Fatalf("Text = %q, want original transcript", res.Text)
	}
}

func TestCleanupUnknownProvider(t *testing.T) {
	r := New("deepgram", "", WithSleep(noSleep))
	_, err := r.Cleanup(context.Background(), "nonsense", "Fix.", "text")
	if !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("error = %v, want ErrUnknownProvider", err)
	}
}

func newMeterRecorder(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// counterTotal sums every data point of a named int64 counter.
func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not an int64 sum", name)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestTranscribeRecordsProviderMetrics(t *testing.T) {
	m, reader := newMeterRecorder(t)
	p := &sttmock.Provider{
		ProviderName: "deepgram",
		Result:       stt.Result{Text: "hello", DurationSeconds: 10},
		ErrOnce:      &stt.Error{Provider: "deepgram", Class: stt.ClassTransient, Status: 503, Message: "busy"},
	}
	r := New("deepgram", "", WithSleep(noSleep), WithMetrics(m))
	r.RegisterSTT(Entry{Provider: p})

	if _, err := r.Transcribe(context.Background(), "", memSource("aaaa"), Options{}); err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}

	if got := counterTotal(t, reader, "hyperwhisper.provider.requests"); got != 2 {
		t.Errorf("provider requests = %d, want 2 (one error, one ok)", got)
	}
	if got := counterTotal(t, reader, "hyperwhisper.provider.errors"); got != 1 {
		t.Errorf("provider errors = %d, want 1", got)
	}
}

func TestCleanupRecordsProviderMetrics(t *testing.T) {
	m, reader := newMeterRecorder(t)
	p := &llmmock.Provider{
		ProviderName: "openai",
		Response:     llm.Response{Text: "Cleaned."},
	}
	r := New("deepgram", "", WithSleep(noSleep), WithMetrics(m))
	r.RegisterLLM(p)
	r.SetDefaultLLM("openai")

	if _, err := r.Cleanup(context.Background(), "", "Fix punctuation.", "raw"); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}

	if got := counterTotal(t, reader, "hyperwhisper.provider.requests"); got != 1 {
		t.Errorf("provider requests = %d, want 1", got)
	}
}
