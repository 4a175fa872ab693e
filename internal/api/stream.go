package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/theramjad/hyperwhisper-cloud/internal/auth"
	"github.com/theramjad/hyperwhisper-cloud/internal/billing"
	"github.com/theramjad/hyperwhisper-cloud/internal/orchestrator"
	"github.com/theramjad/hyperwhisper-cloud/internal/pricing"
	"github.com/theramjad/hyperwhisper-cloud/pkg/provider/stt"
)

// streamEvent is the JSON event frame sent to streaming clients.
type streamEvent struct {
	Type string `json:"type"`

	// transcript fields
	Text        string `json:"text,omitempty"`
	IsFinal     bool   `json:"is_final,omitempty"`
	SpeechFinal bool   `json:"speech_final,omitempty"`

	// session_complete fields
	DurationSeconds float64          `json:"duration_seconds,omitempty"`
	CreditsUsed     *pricing.Credits `json:"credits_used,omitempty"`

	// error field
	Message string `json:"message,omitempty"`
}

// streamControl is the JSON control frame accepted from clients.
type streamControl struct {
	Type string `json:"type"`
}

// handleStream runs one duplex transcription session: binary audio
// frames in, JSON events out. Settlement happens exactly once no matter
// which side tears the session down first.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.streamer == nil {
		writeError(w, r, &orchestrator.Error{
			Code:    orchestrator.CodeInternal,
			Message: "streaming is not configured",
		})
		return
	}

	q := r.URL.Query()
	identity := orchestrator.Identity{
		LicenseKey: q.Get("license_key"),
		DeviceID:   q.Get("device_id"),
		Legacy:     q.Get("identifier"),
	}
	ip := clientIP(r)

	provider := s.streamProviderName()

	// Sessions have no Content-Length; gate on the estimate floor. Accrued
	// time is settled at teardown with the measured durations.
	estimate := pricing.EstimateCredits(0, provider)
	user, oerr := s.orc.Authorize(r.Context(), ip, identity, estimate)
	if oerr != nil {
		writeError(w, r, oerr)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Warn("websocket accept failed", "request_id", requestID(r), "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "session aborted")

	cfg := stt.StreamConfig{
		SampleRate: intParam(q.Get("sample_rate"), 16000),
		Channels:   1,
		Language:   q.Get("language"),
	}

	ctx := r.Context()
	s.metrics.ActiveStreams.Add(ctx, 1)
	defer s.metrics.ActiveStreams.Add(ctx, -1)

	session, err := s.streamer.StartStream(ctx, cfg)
	if err != nil {
		slog.Error("stream session start failed", "request_id", requestID(r), "err", err)
		_ = wsjson.Write(ctx, conn, streamEvent{Type: "error", Message: "failed to start transcription session"})
		conn.Close(websocket.StatusInternalError, "upstream unavailable")
		return
	}
	defer session.Close()

	sess := &streamSession{
		server:    s,
		conn:      conn,
		session:   session,
		user:      user,
		ip:        ip,
		provider:  provider,
		requestID: requestID(r),
	}
	sess.run(ctx)
}

// streamSession holds the per-connection state of one duplex session.
type streamSession struct {
	server    *Server
	conn      *websocket.Conn
	session   stt.SessionHandle
	user      auth.User
	ip        string
	provider  string
	requestID string

	mu      sync.Mutex
	accrued time.Duration

	// settleOnce guards settlement: teardown can be observed from the
	// client side and the upstream side independently, and must bill once.
	settleOnce sync.Once
}

func (ss *streamSession) run(ctx context.Context) {
	if err := wsjson.Write(ctx, ss.conn, streamEvent{Type: "ready"}); err != nil {
		ss.settle(ctx)
		return
	}

	upstreamDone := make(chan struct{})
	go func() {
		defer close(upstreamDone)
		ss.forwardTranscripts(ctx)
	}()

	clientDone := make(chan struct{})
	go func() {
		defer close(clientDone)
		ss.readClient(ctx)
	}()

	// Either side may tear the session down first: the client stops or
	// disconnects, or the upstream closes its transcript channel.
	select {
	case <-clientDone:
		// Flush the upstream session and wait for the transcript channel
		// to drain so the accrued total is complete.
		ss.session.Close()
		select {
		case <-upstreamDone:
		case <-time.After(10 * time.Second):
		}
	case <-upstreamDone:
		// Settle now; waiting for the client to hang up would hold the
		// deduction open indefinitely. settle closes the connection,
		// which ends the reader goroutine.
	}

	ss.settle(ctx)
}

// readClient consumes frames until the client disconnects or asks to
// stop. Binary frames carry audio; text frames carry control JSON.
func (ss *streamSession) readClient(ctx context.Context) {
	for {
		typ, data, err := ss.conn.Read(ctx)
		if err != nil {
			return
		}
		switch typ {
		case websocket.MessageBinary:
			if err := ss.session.SendAudio(data); err != nil {
				slog.Warn("audio forward failed", "request_id", ss.requestID, "err", err)
				return
			}
		case websocket.MessageText:
			var ctl streamControl
			if err := json.Unmarshal(data, &ctl); err != nil {
				continue
			}
			if ctl.Type == "stop" {
				return
			}
		}
	}
}

// forwardTranscripts relays recognition events to the client and
// accumulates billable duration from final results.
func (ss *streamSession) forwardTranscripts(ctx context.Context) {
	for tr := range ss.session.Transcripts() {
		if tr.IsFinal {
			ss.mu.Lock()
			ss.accrued += tr.Duration
			ss.mu.Unlock()
		}
		evt := streamEvent{
			Type:        "transcript",
			Text:        tr.Text,
			IsFinal:     tr.IsFinal,
			SpeechFinal: tr.SpeechFinal,
		}
		if err := wsjson.Write(ctx, ss.conn, evt); err != nil {
			return
		}
	}
}

// settle computes the final bill from accrued duration, deducts it in
// the background, and sends session_complete. Runs at most once.
func (ss *streamSession) settle(ctx context.Context) {
	ss.settleOnce.Do(func() {
		ss.mu.Lock()
		seconds := ss.accrued.Seconds()
		ss.mu.Unlock()

		credits := pricing.USDToCredits(pricing.STTCost(seconds, ss.provider))
		ss.server.orc.Settle(ctx, ss.user, ss.ip, credits, billing.DeductMeta{
			RequestID: ss.requestID,
			Provider:  ss.provider,
			Seconds:   seconds,
		})

		evt := streamEvent{
			Type:            "session_complete",
			DurationSeconds: seconds,
			CreditsUsed:     &credits,
		}
		if err := wsjson.Write(ctx, ss.conn, evt); err == nil {
			ss.conn.Close(websocket.StatusNormalClosure, "session complete")
		}

		slog.Info("stream session settled",
			"request_id", ss.requestID,
			"duration_seconds", seconds,
			"credits", credits,
		)
	})
}

// streamProviderName reports which provider backs the streaming session
// for pricing and attribution.
func (s *Server) streamProviderName() string {
	if n, ok := s.streamer.(interface{ Name() string }); ok {
		return n.Name()
	}
	return "deepgram"
}

func intParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
