package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/theramjad/hyperwhisper-cloud/internal/auth"
	"github.com/theramjad/hyperwhisper-cloud/internal/orchestrator"
	"github.com/theramjad/hyperwhisper-cloud/internal/pricing"
	"github.com/theramjad/hyperwhisper-cloud/internal/router"
)

// spoolLimit is the largest body buffered in memory for replay across
// retry and fallback attempts. Bodies above it take the staged path,
// which reads the stream exactly once.
const spoolLimit = router.DefaultMaxDirectStreamed

// modePrompts maps the `mode` query parameter onto the built-in cleanup
// instructions. An absent or empty mode skips cleanup entirely.
var modePrompts = map[string]string{
	"clean": "You are a transcription editor. Fix punctuation, casing, and " +
		"obvious transcription mistakes in the user's text. Preserve the " +
		"speaker's wording. Reply with the corrected text only.",
	"email": "Rewrite the user's dictated text as a well-formatted email " +
		"body. Keep the meaning and tone. Reply with the email text only.",
	"notes": "Rewrite the user's dictated text as concise bullet-point " +
		"notes. Keep every piece of information. Reply with the notes only.",
}

// costBody is the cost breakdown embedded in success responses.
type costBody struct {
	USD     float64         `json:"usd"`
	Credits pricing.Credits `json:"credits"`
}

// transcribeResponse is the POST /v1/transcribe success body.
type transcribeResponse struct {
	Text     string   `json:"text"`
	Language string   `json:"language,omitempty"`
	Duration float64  `json:"duration"`
	Cost     costBody `json:"cost"`
	Metadata struct {
		RequestID   string `json:"request_id"`
		STTProvider string `json:"stt_provider"`
		LLMProvider string `json:"llm_provider,omitempty"`
	} `json:"metadata"`
	NoSpeechDetected bool `json:"no_speech_detected,omitempty"`
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	contentType := r.Header.Get("Content-Type")
	// video/* is accepted alongside audio/*: OS capture pipelines label
	// dictation recordings with container types (video/mp4, video/webm)
	// even when the only track is audio.
	if !strings.HasPrefix(contentType, "audio/") && !strings.HasPrefix(contentType, "video/") {
		writeBadRequest(w, r, "Content-Type must be audio/*")
		return
	}
	if r.ContentLength < 0 {
		writeBadRequest(w, r, "Content-Length required")
		return
	}
	if r.ContentLength > s.cfg.MaxBodyBytes {
		writeError(w, r, &orchestrator.Error{
			Code:    orchestrator.CodePayloadTooLarge,
			Message: fmt.Sprintf("audio payload exceeds %d bytes", s.cfg.MaxBodyBytes),
		})
		return
	}

	q := r.URL.Query()
	cleanupPrompt, ok := cleanupPromptFor(q.Get("mode"))
	if !ok {
		writeBadRequest(w, r, "unknown mode")
		return
	}

	src, err := spoolSource(r.Body, contentType, r.ContentLength)
	if err != nil {
		writeBadRequest(w, r, "failed to read audio payload")
		return
	}

	in := orchestrator.TranscribeInput{
		RequestID: requestID(r),
		ClientIP:  clientIP(r),
		Identity: orchestrator.Identity{
			LicenseKey: q.Get("license_key"),
			DeviceID:   q.Get("device_id"),
			Legacy:     q.Get("identifier"),
		},
		Provider:      r.Header.Get("X-STT-Provider"),
		LLMProvider:   r.Header.Get("X-LLM-Provider"),
		Language:      q.Get("language"),
		Keywords:      splitKeywords(q.Get("keywords")),
		InitialPrompt: q.Get("initial_prompt"),
		CleanupPrompt: cleanupPrompt,
		Source:        src,
	}

	out, oerr := s.orc.Transcribe(r.Context(), in)
	if oerr != nil {
		writeError(w, r, oerr)
		return
	}

	resp := transcribeResponse{
		Text:             out.Text,
		Language:         out.Language,
		Duration:         out.DurationSeconds,
		Cost:             costBody{USD: out.CostUSD, Credits: out.CostCredits},
		NoSpeechDetected: out.NoSpeech,
	}
	resp.Metadata.RequestID = requestID(r)
	resp.Metadata.STTProvider = providerTag(out.Provider, out.FallbackFrom)
	resp.Metadata.LLMProvider = out.LLMProvider

	w.Header().Set("X-Cost-USD", fmt.Sprintf("%.6f", out.CostUSD))
	w.Header().Set("X-Cost-Credits", out.CostCredits.String())
	writeJSON(w, http.StatusOK, resp)
}

// postProcessRequest is the POST /v1/post-process body.
type postProcessRequest struct {
	Text       string `json:"text"`
	Prompt     string `json:"prompt"`
	LicenseKey string `json:"license_key"`
	DeviceID   string `json:"device_id"`
	Identifier string `json:"identifier"`
}

// postProcessResponse is its success body.
type postProcessResponse struct {
	Corrected string   `json:"corrected"`
	Cost      costBody `json:"cost"`
}

func (s *Server) handlePostProcess(w http.ResponseWriter, r *http.Request) {
	var req postProcessRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeBadRequest(w, r, "invalid JSON body")
		return
	}

	out, oerr := s.orc.PostProcess(r.Context(), orchestrator.PostProcessInput{
		RequestID: requestID(r),
		ClientIP:  clientIP(r),
		Identity: orchestrator.Identity{
			LicenseKey: req.LicenseKey,
			DeviceID:   req.DeviceID,
			Legacy:     req.Identifier,
		},
		LLMProvider:  r.Header.Get("X-LLM-Provider"),
		SystemPrompt: req.Prompt,
		Text:         req.Text,
	})
	if oerr != nil {
		writeError(w, r, oerr)
		return
	}

	w.Header().Set("X-Cost-USD", fmt.Sprintf("%.6f", out.CostUSD))
	w.Header().Set("X-Cost-Credits", out.CostCredits.String())
	writeJSON(w, http.StatusOK, postProcessResponse{
		Corrected: out.Text,
		Cost:      costBody{USD: out.CostUSD, Credits: out.CostCredits},
	})
}

// usage responses have distinct shapes per account type; trial accounts
// include the grant breakdown for the client's usage meter.
type licensedUsageResponse struct {
	AccountType      string          `json:"account_type"`
	CreditsRemaining pricing.Credits `json:"credits_remaining"`
	MinutesRemaining float64         `json:"minutes_remaining"`
}

type trialUsageResponse struct {
	AccountType      string          `json:"account_type"`
	CreditsRemaining pricing.Credits `json:"credits_remaining"`
	CreditsGranted   pricing.Credits `json:"credits_granted"`
	CreditsUsed      pricing.Credits `json:"credits_used"`
	MinutesRemaining float64         `json:"minutes_remaining"`
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	report, oerr := s.orc.Usage(r.Context(), clientIP(r), orchestrator.Identity{
		LicenseKey: q.Get("license_key"),
		DeviceID:   q.Get("device_id"),
		Legacy:     q.Get("identifier"),
	})
	if oerr != nil {
		writeError(w, r, oerr)
		return
	}

	if report.Kind == auth.Licensed {
		writeJSON(w, http.StatusOK, licensedUsageResponse{
			AccountType:      "licensed",
			CreditsRemaining: report.CreditsRemaining,
			MinutesRemaining: report.MinutesRemaining,
		})
		return
	}
	writeJSON(w, http.StatusOK, trialUsageResponse{
		AccountType:      "trial",
		CreditsRemaining: report.CreditsRemaining,
		CreditsGranted:   report.CreditsGranted,
		CreditsUsed:      report.CreditsUsed,
		MinutesRemaining: report.MinutesRemaining,
	})
}

// cleanupPromptFor resolves the mode parameter. The second return is
// false for an unknown, non-empty mode.
func cleanupPromptFor(mode string) (string, bool) {
	if mode == "" {
		return "", true
	}
	p, ok := modePrompts[mode]
	return p, ok
}

// providerTag renders the provider attribution, marking fallback results
// so clients and logs can see the hop.
func providerTag(provider, fallbackFrom string) string {
	if fallbackFrom != "" {
		return fmt.Sprintf("%s (fallback from %s)", provider, fallbackFrom)
	}
	return provider
}

func splitKeywords(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// spoolSource turns the request body into a replayable payload source.
// Bodies up to spoolLimit are buffered once so retries and the fallback
// hop can replay them; larger bodies are handed through as a one-shot
// stream, which only the staged transport path consumes.
func spoolSource(body io.Reader, contentType string, contentLength int64) (router.Source, error) {
	if contentLength <= spoolLimit {
		buf, err := io.ReadAll(io.LimitReader(body, spoolLimit+1))
		if err != nil {
			return router.Source{}, err
		}
		return router.Source{
			ContentType:   contentType,
			ContentLength: contentLength,
			Open: func() (io.Reader, error) {
				return bytes.NewReader(buf), nil
			},
		}, nil
	}

	var consumed atomic.Bool
	return router.Source{
		ContentType:   contentType,
		ContentLength: contentLength,
		Open: func() (io.Reader, error) {
			if consumed.Swap(true) {
				return nil, errors.New("api: payload stream already consumed")
			}
			return body, nil
		},
	}, nil
}
