package orchestrator

import (
	"context"
	"errors"
	"strings"

	"github.com/theramjad/hyperwhisper-cloud/internal/auth"
	"github.com/theramjad/hyperwhisper-cloud/internal/billing"
	"github.com/theramjad/hyperwhisper-cloud/internal/pricing"
	"github.com/theramjad/hyperwhisper-cloud/internal/router"
	"github.com/theramjad/hyperwhisper-cloud/pkg/provider/llm"
)

// estimateCharsPerToken is the pre-flight token heuristic for text-only
// requests; roughly four characters per token across common tokenizers.
const estimateCharsPerToken = 4

// PostProcessInput is one standalone cleanup request: text in, corrected
// text out, billed by reported token usage.
type PostProcessInput struct {
	RequestID string
	ClientIP  string
	Identity  Identity

	// LLMProvider optionally overrides the default cleanup model.
	LLMProvider string

	// SystemPrompt is the caller's instruction. Required here — unlike the
	// transcription pipeline, a cleanup-only request with no prompt has
	// nothing to do.
	SystemPrompt string

	Text string
}

// PostProcessOutput is the corrected text and its cost.
type PostProcessOutput struct {
	Text        string
	Provider    string
	CostUSD     float64
	CostCredits pricing.Credits

	User auth.User
}

// PostProcess runs the standalone text cleanup operation through the
// same blocklist/auth/gate pre-flight as transcription.
func (o *Orchestrator) PostProcess(ctx context.Context, in PostProcessInput) (PostProcessOutput, *Error) {
	if strings.TrimSpace(in.Text) == "" {
		return PostProcessOutput{}, newError(CodeBadRequest, "text must not be empty", nil)
	}
	if strings.TrimSpace(in.SystemPrompt) == "" {
		return PostProcessOutput{}, newError(CodeBadRequest, "prompt must not be empty", nil)
	}

	estimate := estimatePostProcessCredits(in.Text, in.LLMProvider)
	user, oerr := o.Authorize(ctx, in.ClientIP, in.Identity, estimate)
	if oerr != nil {
		return PostProcessOutput{}, oerr
	}

	cleaned, err := o.router.Cleanup(ctx, in.LLMProvider, in.SystemPrompt, in.Text)
	if err != nil {
		return PostProcessOutput{}, mapCleanupError(err)
	}

	out := PostProcessOutput{
		Text:     cleaned.Text,
		Provider: cleaned.Provider,
		User:     user,
	}
	out.CostUSD = pricing.LLMCost(cleaned.Usage.PromptTokens, cleaned.Usage.CompletionTokens, cleaned.Provider)
	out.CostCredits = pricing.USDToCredits(out.CostUSD)

	o.settle(ctx, user, in.ClientIP, out.CostCredits, billing.DeductMeta{
		RequestID: in.RequestID,
		Provider:  cleaned.Provider,
	})
	return out, nil
}

// estimatePostProcessCredits derives the pre-flight estimate from the
// text length, assuming the completion roughly mirrors the prompt. Never
// zero, so the gate always has something to check.
func estimatePostProcessCredits(text, provider string) pricing.Credits {
	tokens := len(text) / estimateCharsPerToken
	if tokens < 1 {
		tokens = 1
	}
	usd := pricing.LLMCost(tokens, tokens, provider)
	c := pricing.USDToCredits(usd)
	if c < 1 {
		c = 1
	}
	return c
}

// mapCleanupError folds standalone-cleanup failures onto the taxonomy.
// Unlike the transcription pipeline there is no transcript to fall back
// to, so the failure surfaces.
func mapCleanupError(err error) *Error {
	switch {
	case errors.Is(err, router.ErrUnknownProvider):
		return newError(CodeBadRequest, "unknown provider", err)
	case llm.IsTransient(err):
		return newError(CodeProviderUnavailable, "cleanup provider unavailable", err)
	default:
		return newError(CodeProviderFailed, "cleanup failed", err)
	}
}
