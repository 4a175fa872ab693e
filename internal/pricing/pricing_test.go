package pricing

import (
	"encoding/json"
	"math"
	"testing"
)

func TestEstimateCredits_Monotonic(t *testing.T) {
	sizes := []int64{0, 1, 1024, 1 << 18, 1 << 20, 5 << 20, 50 << 20, 500 << 20}
	prev := Credits(-1)
	for _, size := range sizes {
		got := EstimateCredits(size, "deepgram")
		if got < prev {
			t.Fatalf("EstimateCredits(%d) = %v, less than estimate for smaller size %v", size, got, prev)
		}
		prev = got
	}
}

func TestEstimateCredits_FloorNeverZero(t *testing.T) {
	got := EstimateCredits(0, "deepgram")
	if got == 0 {
		t.Fatal("EstimateCredits(0) = 0, want positive floor")
	}
	// The floor is the cost of ~10s of audio, rounded up with the 0.1 minimum.
	want := USDToCredits(STTCost(10, "deepgram"))
	if want < 1 {
		want = 1
	}
	if got != want {
		t.Fatalf("EstimateCredits(0) = %v, want floor %v", got, want)
	}
}

func TestUSDToCredits_RoundsUp(t *testing.T) {
	cases := []struct {
		usd  float64
		want Credits
	}{
		{0, 0},
		{0.0000001, 1},          // any positive cost bills at least 0.1 credits
		{USDPerCredit, 10},      // exactly one credit
		{USDPerCredit * 1.01, 11}, // a hair over one credit rounds up
		{USDPerCredit * 0.55, 6},
	}
	for _, tc := range cases {
		if got := USDToCredits(tc.usd); got != tc.want {
			t.Errorf("USDToCredits(%g) = %v, want %v", tc.usd, got, tc.want)
		}
	}
}

func TestUSDToCredits_NeverUndercharges(t *testing.T) {
	for _, usd := range []float64{0.00001, 0.0004, 0.0006, 0.0011, 0.005, 0.09, 1.23} {
		c := USDToCredits(usd)
		if CreditsToUSD(c) < usd-1e-9 {
			t.Errorf("USDToCredits(%g) = %v converts back to %g, undercharges", usd, c, CreditsToUSD(c))
		}
	}
}

func TestCostMath_RoundTrip(t *testing.T) {
	for _, c := range []Credits{1, 5, 10, 95, 100, 1234, 99999} {
		back := USDToCredits(CreditsToUSD(c))
		if diff := back - c; diff < -1 || diff > 1 {
			t.Errorf("round trip of %v credits = %v, outside one-tenth tolerance", c, back)
		}
	}
}

func TestSTTCost_MinimumBillableDuration(t *testing.T) {
	// ElevenLabs bills a 10s minimum per file.
	short := STTCost(2, "elevenlabs")
	floor := STTCost(10, "elevenlabs")
	if short != floor {
		t.Fatalf("STTCost(2s) = %g, want contract minimum %g", short, floor)
	}
	// Deepgram has no minimum.
	if a, b := STTCost(2, "deepgram"), STTCost(10, "deepgram"); a >= b {
		t.Fatalf("deepgram 2s cost %g should be below 10s cost %g", a, b)
	}
}

func TestSTTCost_ZeroDuration(t *testing.T) {
	if got := STTCost(0, "elevenlabs"); got != 0 {
		t.Fatalf("STTCost(0) = %g, want 0 even with a contract minimum", got)
	}
}

func TestLLMCost_Linear(t *testing.T) {
	a := LLMCost(1000, 500, "openai")
	b := LLMCost(2000, 1000, "openai")
	if math.Abs(b-2*a) > 1e-9 {
		t.Fatalf("LLMCost not linear: double usage %g vs 2×%g", b, a)
	}
}

func TestCredits_JSON(t *testing.T) {
	b, err := json.Marshal(Credits(125))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != "12.5" {
		t.Fatalf("marshal = %s, want 12.5", b)
	}

	var c Credits
	if err := json.Unmarshal([]byte("5.0"), &c); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if c != 50 {
		t.Fatalf("unmarshal 5.0 = %v tenths, want 50", int64(c))
	}
}

func TestMinutesOfAudio(t *testing.T) {
	if got := MinutesOfAudio(Credits(100)); got != 1.0 {
		t.Fatalf("MinutesOfAudio(10.0 credits) = %g, want 1.0", got)
	}
	if got := MinutesOfAudio(Credits(50)); got != 0.5 {
		t.Fatalf("MinutesOfAudio(5.0 credits) = %g, want 0.5", got)
	}
}
