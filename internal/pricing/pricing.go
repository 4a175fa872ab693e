// Package pricing implements the cost model for HyperWhisper Cloud: pure
// conversions between audio duration, token usage, US dollars, and prepaid
// credits.
//
// Credits are the internal billing unit. They are stored and computed as
// integer tenths ([Credits]) so that repeated additions never accumulate
// floating-point drift; they marshal to JSON as a decimal number with one
// fractional digit (e.g. 12.5).
//
// Two cost figures exist per request and are allowed to diverge:
//
//   - the pre-flight estimate, derived from Content-Length via a fixed
//     bytes-per-minute heuristic and rounded up with a hard floor — it may
//     never be zero, so the credit gate always has something to check;
//   - the actual cost, derived from the duration (or token counts) reported
//     by the provider — a genuine "no speech detected" outcome bills
//     exactly zero.
//
// The asymmetry is deliberate: never under-estimate, never charge for
// silence.
package pricing

import (
	"fmt"
	"math"
	"strconv"
)

// USDPerCredit is the fixed exchange rate between US dollars and one credit.
const USDPerCredit = 0.0006

// CreditsPerMinute is the projection constant used to translate a credit
// balance into "minutes of audio" for user-facing remediation messages.
// It intentionally over-approximates the most expensive STT rate so the
// projection never promises more minutes than the balance can buy.
const CreditsPerMinute = Credits(100) // 10.0 credits ≈ one minute of audio

// Estimate heuristic parameters. The byte rate approximates a 16 kHz mono
// 16-bit WAV stream plus container overhead; compressed uploads estimate
// high, which is the safe direction.
const (
	estimateBytesPerMinute = 1 << 20 // 1 MiB of audio ≈ one minute
	estimateFloorSeconds   = 10.0    // never estimate below ~10s of audio
)

// usdPrecision is the micro-dollar rounding applied to every USD figure
// before further arithmetic, so that chained conversions stay stable.
const usdPrecision = 1e6

// Credits is a prepaid credit amount in integer tenths. The zero value is
// zero credits.
type Credits int64

// CreditsFromFloat converts a decimal credit amount to [Credits], rounding
// half away from zero at one-tenth precision.
func CreditsFromFloat(v float64) Credits {
	return Credits(math.Round(v * 10))
}

// Float64 returns c as a decimal credit amount (e.g. 125 → 12.5).
func (c Credits) Float64() float64 { return float64(c) / 10 }

// String formats c with one fractional digit, matching the wire format.
func (c Credits) String() string {
	return strconv.FormatFloat(c.Float64(), 'f', 1, 64)
}

// MarshalJSON emits c as a JSON number with one fractional digit.
func (c Credits) MarshalJSON() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalJSON parses a JSON number into tenths, rounding half away from
// zero if the input carries more than one fractional digit.
func (c *Credits) UnmarshalJSON(data []byte) error {
	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("pricing: parse credits %q: %w", data, err)
	}
	*c = CreditsFromFloat(v)
	return nil
}

// sttRate describes one STT vendor's contract terms.
type sttRate struct {
	usdPerMinute       float64
	minBillableSeconds float64 // 0 = no contractual minimum
}

// sttRates is the per-provider STT rate table. Keys match the provider
// names registered in config and reported in response metadata.
var sttRates = map[string]sttRate{
	"deepgram":   {usdPerMinute: 0.0043},
	"elevenlabs": {usdPerMinute: 0.0067, minBillableSeconds: 10}, // contract bills a 10s minimum per file
	"openai":     {usdPerMinute: 0.0060},
}

// llmRate holds per-million-token prices for one LLM vendor.
type llmRate struct {
	usdPerMPrompt     float64
	usdPerMCompletion float64
}

// llmRates is the per-provider LLM rate table for the post-processing step.
var llmRates = map[string]llmRate{
	"openai":    {usdPerMPrompt: 0.15, usdPerMCompletion: 0.60},
	"anthropic": {usdPerMPrompt: 0.80, usdPerMCompletion: 4.00},
	"groq":      {usdPerMPrompt: 0.05, usdPerMCompletion: 0.08},
	"compat":    {usdPerMPrompt: 0.05, usdPerMCompletion: 0.08},
}

// defaultSTTRate backs unknown provider names so cost math never silently
// degrades to free; it uses the most expensive known rate.
var defaultSTTRate = sttRate{usdPerMinute: 0.0067}

// STTCost returns the USD cost of transcribing durationSeconds of audio with
// the named provider, honouring any contractual minimum billable duration.
// A non-positive duration costs zero.
func STTCost(durationSeconds float64, provider string) float64 {
	if durationSeconds <= 0 {
		return 0
	}
	rate, ok := sttRates[provider]
	if !ok {
		rate = defaultSTTRate
	}
	if durationSeconds < rate.minBillableSeconds {
		durationSeconds = rate.minBillableSeconds
	}
	return roundUSD(durationSeconds / 60 * rate.usdPerMinute)
}

// LLMCost returns the USD cost of one post-processing call given the token
// usage reported by the named provider.
func LLMCost(promptTokens, completionTokens int, provider string) float64 {
	rate, ok := llmRates[provider]
	if !ok {
		rate = llmRates["openai"]
	}
	usd := float64(promptTokens)/1e6*rate.usdPerMPrompt +
		float64(completionTokens)/1e6*rate.usdPerMCompletion
	return roundUSD(usd)
}

// USDToCredits converts a USD amount into credits, rounding up to the next
// tenth so the house never undercharges. A strictly positive amount always
// costs at least 0.1 credits; exactly zero stays zero — this is the
// actual-cost path, where silence must bill nothing.
func USDToCredits(usd float64) Credits {
	if usd <= 0 {
		return 0
	}
	c := ceilTenths(usd / USDPerCredit)
	if c < 1 {
		c = 1
	}
	return c
}

// CreditsToUSD is the inverse exchange, used for reporting and for the
// round-trip property tests.
func CreditsToUSD(c Credits) float64 {
	return roundUSD(c.Float64() * USDPerCredit)
}

// EstimateCredits returns the pre-flight credit estimate for an upload of
// contentLength bytes sent to the named provider. The estimate is derived
// from the fixed bytes-per-minute heuristic, floored at roughly ten seconds
// of audio, and is never zero — even for an empty body — so the credit gate
// always has a positive amount to hold against.
func EstimateCredits(contentLength int64, provider string) Credits {
	seconds := float64(contentLength) / estimateBytesPerMinute * 60
	if seconds < estimateFloorSeconds {
		seconds = estimateFloorSeconds
	}
	usd := STTCost(seconds, provider)
	c := USDToCredits(usd)
	if c < 1 {
		c = 1
	}
	return c
}

// MinutesOfAudio projects a credit amount onto minutes of audio using
// [CreditsPerMinute]. Used in 402 remediation bodies.
func MinutesOfAudio(c Credits) float64 {
	return roundTenth(c.Float64() / CreditsPerMinute.Float64())
}

// ceilTenths rounds a decimal credit value up to the next tenth. A small
// epsilon absorbs float error so that exact tenths are not bumped a step.
func ceilTenths(v float64) Credits {
	return Credits(math.Ceil(v*10 - 1e-9))
}

// roundUSD rounds to micro-dollar precision, half away from zero.
func roundUSD(v float64) float64 {
	return math.Round(v*usdPrecision) / usdPrecision
}

// roundTenth rounds to one decimal place, half away from zero.
func roundTenth(v float64) float64 {
	return math.Round(v*10) / 10
}
