package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Gateway limits and backoff intervals. These are engine contract, not
// tunables: they bound the worst-case wall clock of a single model turn.
const (
	// DefaultInvokeTimeout is the wall-clock budget for one model call.
	DefaultInvokeTimeout = 120 * time.Second

	// RateLimitBackoff is the fixed wait before retrying a rate-limited call.
	RateLimitBackoff = 15 * time.Second

	// maxRateLimitRetries bounds rate-limit waits so a hard-throttled
	// key cannot stall a session forever.
	maxRateLimitRetries = 6

	// maxEmptyRetries is how many times an empty response is retried
	// unconditionally before the downgrade machinery engages.
	maxEmptyRetries = 2

	// maxTransientRetries bounds blind retries of timeouts and
	// connection-level failures.
	maxTransientRetries = 2
)

// Mode is the gateway's degradation stage. The gateway is stateful per
// session: once a stage succeeds it stays the default for the rest of
// the session's iterations.
type Mode int

const (
	// ModeNormal sends reasoning and tools as requested.
	ModeNormal Mode = iota
	// ModeNoReasoning disables extended thinking but keeps tools.
	ModeNoReasoning
	// ModeSafe disables tools entirely (plain chat).
	ModeSafe
	// ModeFailed means both downgrade stages were exhausted.
	ModeFailed
)

// String returns the mode name for logging and notices.
func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeNoReasoning:
		return "no-reasoning"
	case ModeSafe:
		return "safe"
	default:
		return "failed"
	}
}

// FatalError is returned when the gateway has exhausted every recovery
// path. The agent loop treats it as terminal.
type FatalError struct {
	Stage Mode
	Err   error
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	return fmt.Sprintf("model call failed at stage %s: %v", e.Stage, e.Err)
}

// Unwrap exposes the underlying provider error.
func (e *FatalError) Unwrap() error { return e.Err }

// Gateway wraps a provider client with the engine's recovery protocol:
// fixed per-call timeout, rate-limit backoff, bounded empty/transient
// retries, staged downgrade (normal → no-reasoning → safe), and vision
// fallback. One Gateway serves one session and carries its degradation
// state across calls.
type Gateway struct {
	client Client
	cfg    EffectiveConfig
	logger *slog.Logger

	mode           Mode
	visionDisabled bool

	timeout time.Duration
	backoff time.Duration

	// OnDowngrade, when set, is called once per stage transition so the
	// loop can surface an informational notice. Never called twice for
	// the same stage.
	OnDowngrade func(from, to Mode)

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewGateway creates a gateway for one session.
func NewGateway(client Client, cfg EffectiveConfig, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		client:  client,
		cfg:     cfg,
		logger:  logger.With("component", "gateway", "provider", cfg.ProviderType, "model", cfg.ModelID),
		timeout: DefaultInvokeTimeout,
		backoff: RateLimitBackoff,
		sleep:   sleepCtx,
	}
}

// Mode returns the current degradation stage.
func (g *Gateway) Mode() Mode { return g.mode }

// Config returns the resolved model config this gateway was built for.
func (g *Gateway) Config() EffectiveConfig { return g.cfg }

// CarryState copies the degradation state from prev. Used when a
// session switches models mid-session: the model config is per
// request, but the degradation stage and vision fallback are per
// session and must survive the swap.
func (g *Gateway) CarryState(prev *Gateway) {
	if prev == nil {
		return
	}
	g.mode = prev.mode
	g.visionDisabled = prev.visionDisabled
}

// VisionDisabled reports whether image input has been disabled for this
// session. The tool dispatch layer consults this to stop attaching
// screenshots to tool results.
func (g *Gateway) VisionDisabled() bool { return g.visionDisabled }

// Invoke calls the model with the current conversation and tool set,
// applying the full recovery protocol. On success the response is
// non-empty. On failure the error is a *FatalError.
//
// The conversation is mutated only by the vision fallback, which strips
// image attachments from history before retrying.
func (g *Gateway) Invoke(ctx context.Context, conv *Conversation, tools []ToolSpec) (*ChatResponse, error) {
	var (
		emptyRetries     int
		transientRetries int
		rateLimitRetries int
		lastErr          error
	)

	for {
		if err := ctx.Err(); err != nil {
			return nil, &FatalError{Stage: g.mode, Err: err}
		}

		req := g.buildRequest(conv, tools)

		cctx, cancel := context.WithTimeout(ctx, g.timeout)
		resp, err := g.client.Chat(cctx, req)
		cancel()

		if err == nil {
			if resp.Empty() {
				if emptyRetries < maxEmptyRetries {
					emptyRetries++
					g.logger.Warn("empty model output, retrying", "attempt", emptyRetries)
					continue
				}
				lastErr = fmt.Errorf("model produced neither text nor tool calls")
				if g.downgrade() {
					emptyRetries = 0
					continue
				}
				return nil, &FatalError{Stage: g.mode, Err: lastErr}
			}
			return resp, nil
		}

		lastErr = err
		switch classify(err) {
		case classRateLimit:
			if rateLimitRetries >= maxRateLimitRetries {
				return nil, &FatalError{Stage: g.mode, Err: fmt.Errorf("rate limited after %d waits: %w", rateLimitRetries, err)}
			}
			rateLimitRetries++
			g.logger.Warn("rate limited, backing off", "wait", g.backoff, "attempt", rateLimitRetries)
			if serr := g.sleep(ctx, g.backoff); serr != nil {
				return nil, &FatalError{Stage: g.mode, Err: serr}
			}

		case classTransient:
			if transientRetries < maxTransientRetries {
				transientRetries++
				g.logger.Warn("transient model error, retrying", "error", err, "attempt", transientRetries)
				continue
			}
			if !g.downgrade() {
				return nil, &FatalError{Stage: g.mode, Err: err}
			}
			transientRetries = 0

		case classVision:
			if !g.visionDisabled {
				stripped := conv.StripImages()
				g.visionDisabled = true
				g.logger.Warn("model rejected image input, disabling vision", "images_stripped", stripped)
				continue
			}
			// Already stripped once; treat as a compatibility failure.
			if !g.downgrade() {
				return nil, &FatalError{Stage: g.mode, Err: err}
			}

		case classCompat:
			if !g.downgrade() {
				return nil, &FatalError{Stage: g.mode, Err: err}
			}
		}
	}
}

// buildRequest shapes the provider request for the current mode.
func (g *Gateway) buildRequest(conv *Conversation, tools []ToolSpec) *ChatRequest {
	req := &ChatRequest{
		Model:    g.cfg.ModelID,
		Messages: conv.Messages,
	}
	switch g.mode {
	case ModeNormal:
		req.Tools = tools
		req.EnableReasoning = true
	case ModeNoReasoning:
		req.Tools = tools
	case ModeSafe:
		// Plain chat: no tools, no reasoning.
	}
	return req
}

// downgrade advances the degradation stage. Returns false when no
// further stage exists.
func (g *Gateway) downgrade() bool {
	from := g.mode
	switch g.mode {
	case ModeNormal:
		g.mode = ModeNoReasoning
	case ModeNoReasoning:
		g.mode = ModeSafe
	default:
		g.mode = ModeFailed
		return false
	}
	g.logger.Info("downgrading model invocation", "from", from.String(), "to", g.mode.String())
	if g.OnDowngrade != nil {
		g.OnDowngrade(from, g.mode)
	}
	return true
}

// sleepCtx waits for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
