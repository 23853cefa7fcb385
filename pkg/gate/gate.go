// Package gate decides whether an authenticated caller may pass, based on the
// block window cached for the caller's user id.
package gate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"frontdoor/pkg/auth"
	"frontdoor/pkg/httpx"
	"frontdoor/pkg/models"
	"frontdoor/pkg/store"
	"frontdoor/pkg/stream"
	"frontdoor/pkg/telemetry"
)

// ErrRateLimited is reported when an active block window covers now.
var ErrRateLimited = errors.New("rate limited")

// Decision labels reported to the Recorder.
const (
	DecisionAllow       = "allow"
	DecisionDeny        = "deny"
	DecisionErrorOpen   = "error_open"
	DecisionErrorClosed = "error_closed"
)

// Reader is the read side of the block cache.
type Reader interface {
	Get(ctx context.Context, userID string) (models.BlockWindow, bool, error)
}

type Recorder interface {
	GateDecision(decision string)
}

type Decision struct {
	Allowed bool
	// Window is the block window found for the user, if any.
	Window     models.BlockWindow
	Found      bool
	RetryAfter time.Duration
}

// Err reports a denial as ErrRateLimited naming the window's end, and nil for
// an allowed decision.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	if !d.Found {
		return ErrRateLimited
	}
	return fmt.Errorf("%w until %s", ErrRateLimited, d.Window.To.Format(time.RFC3339))
}

type Gate struct {
	cache    Reader
	failOpen bool
	now      func() time.Time
	events   stream.Publisher
	recorder Recorder
	logger   *zap.Logger
}

type Option func(*Gate)

func WithFailOpen(open bool) Option {
	return func(g *Gate) { g.failOpen = open }
}

func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// WithEvents publishes a gate.denied event for every rejection.
func WithEvents(p stream.Publisher) Option {
	return func(g *Gate) { g.events = p }
}

func WithRecorder(r Recorder) Option {
	return func(g *Gate) { g.recorder = r }
}

// New builds a Gate that fails open by default.
func New(cache Reader, logger *zap.Logger, opts ...Option) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gate{
		cache:    cache,
		failOpen: true,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// BlockedWindowFor returns the window stored for userID. It only reads.
func (g *Gate) BlockedWindowFor(ctx context.Context, userID string) (models.BlockWindow, bool, error) {
	if userID == "" {
		return models.BlockWindow{}, false, nil
	}
	ctx, span := telemetry.Start(ctx, "gate.lookup", attribute.String("user_id", userID))
	w, found, err := g.cache.Get(ctx, userID)
	span.SetAttributes(attribute.Bool("found", found))
	telemetry.End(span, err)
	if err != nil {
		if !errors.Is(err, store.ErrCacheUnavailable) {
			err = fmt.Errorf("%w: %v", store.ErrCacheUnavailable, err)
		}
		return models.BlockWindow{}, false, err
	}
	return w, found, nil
}

// Allow denies iff a stored window covers now, inclusive on both ends. When
// the cache cannot be read the decision follows the fail-open policy and the
// error is returned alongside it.
func (g *Gate) Allow(ctx context.Context, userID string) (Decision, error) {
	w, found, err := g.BlockedWindowFor(ctx, userID)
	if err != nil {
		label := DecisionErrorClosed
		if g.failOpen {
			label = DecisionErrorOpen
		}
		g.record(label)
		g.logger.Warn("block cache unavailable", zap.String("user_id", userID), zap.Bool("fail_open", g.failOpen), zap.Error(err))
		return Decision{Allowed: g.failOpen}, err
	}
	now := g.now()
	d := Decision{Allowed: true, Window: w, Found: found}
	if found && w.Covers(now) {
		d.Allowed = false
		d.RetryAfter = w.To.Sub(now) + time.Second
		g.record(DecisionDeny)
		g.logger.Info("request denied by block window",
			zap.String("user_id", userID),
			zap.Time("from", w.From),
			zap.Time("to", w.To))
		if g.events != nil {
			g.events.Publish(stream.NewEvent(stream.EventGateDenied, w))
		}
		return d, nil
	}
	g.record(DecisionAllow)
	return d, nil
}

func (g *Gate) record(decision string) {
	if g.recorder != nil {
		g.recorder.GateDecision(decision)
	}
}

// SetRetryAfter sets the Retry-After header for a denied decision, in whole
// seconds and never below one.
func SetRetryAfter(w http.ResponseWriter, d Decision) {
	secs := int(d.RetryAfter / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}

// WriteDenied writes the 429 response for a denied decision.
func WriteDenied(w http.ResponseWriter, r *http.Request, d Decision) {
	SetRetryAfter(w, d)
	httpx.Error(w, r, http.StatusTooManyRequests, "too many requests")
}

// Middleware gates requests carrying claims. Requests without claims pass.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := auth.ClaimsFromContext(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		d, err := g.Allow(r.Context(), claims.Subject)
		switch {
		case err != nil && !d.Allowed:
			httpx.Error(w, r, http.StatusServiceUnavailable, "service unavailable")
			return
		case !d.Allowed:
			WriteDenied(w, r, d)
			return
		}
		next.ServeHTTP(w, r)
	})
}
