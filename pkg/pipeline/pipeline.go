// Package pipeline runs the per-request gatekeeping sequence: authenticate,
// gate, forward, audit.
package pipeline

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"frontdoor/pkg/audit"
	"frontdoor/pkg/auth"
	"frontdoor/pkg/gate"
	"frontdoor/pkg/httpx"
	"frontdoor/pkg/models"
	"frontdoor/pkg/store"
)

type Authenticator interface {
	Authenticate(r *http.Request) (models.Claims, bool, error)
}

type Gatekeeper interface {
	Allow(ctx context.Context, userID string) (gate.Decision, error)
}

// Auditor accepts encoded snapshots without blocking.
type Auditor interface {
	Submit(e audit.Entry) bool
}

type Pipeline struct {
	auth    Authenticator
	gate    Gatekeeper
	capture *audit.Capture
	auditor Auditor
	forward http.Handler
	newID   func() string
	logger  *zap.Logger
}

type Option func(*Pipeline)

// WithAudit enables snapshot capture. Without it requests are forwarded
// unaudited.
func WithAudit(c *audit.Capture, a Auditor) Option {
	return func(p *Pipeline) {
		p.capture = c
		p.auditor = a
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(p *Pipeline) {
		if fn != nil {
			p.newID = fn
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

func New(a Authenticator, g Gatekeeper, forward http.Handler, opts ...Option) *Pipeline {
	p := &Pipeline{
		auth:    a,
		gate:    g,
		forward: forward,
		newID:   uuid.NewString,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tr := &Trace{}
	tr.to(StateStart)
	ctx := withTrace(r.Context(), tr)
	r = r.WithContext(ctx)
	defer func() {
		p.logger.Debug("pipeline finished",
			zap.String("request_id", tr.ID),
			zap.String("path", r.URL.Path),
			zap.Stringers("states", tr.States()))
	}()

	claims, ok, err := p.auth.Authenticate(r)
	if err != nil {
		tr.to(StateFailed)
		httpx.Error(w, r, StatusFor(err), auth.UnauthorizedMessage(err))
		return
	}
	if !ok {
		tr.to(StateAnonymous)
		tr.to(StateForwarded)
		p.forwardSafely(w, r)
		return
	}
	tr.to(StateAuthenticated)
	ctx = auth.WithClaims(ctx, claims)
	r = r.WithContext(ctx)

	decision, err := p.gate.Allow(ctx, claims.Subject)
	if err != nil && !decision.Allowed {
		tr.to(StateFailed)
		httpx.Error(w, r, StatusFor(err), "service unavailable")
		return
	}
	tr.to(StateGateChecked)
	if err := decision.Err(); err != nil {
		tr.to(StateDenied)
		p.logger.Debug("request denied", zap.String("user_id", claims.Subject), zap.Error(err))
		gate.SetRetryAfter(w, decision)
		httpx.Error(w, r, StatusFor(err), "too many requests")
		return
	}
	if ctx.Err() != nil {
		tr.to(StateFailed)
		return
	}

	tr.ID = p.newID()
	if p.capture == nil || p.auditor == nil {
		tr.to(StateForwarded)
		p.forwardSafely(w, r)
		return
	}
	p.submit(audit.RequestEntry(p.capture.Request(r, tr.ID, claims)))

	rec := httpx.NewStatusRecorder(w)
	defer func() {
		v := recover()
		status := rec.Status
		if v != nil {
			status = p.recovered(rec, r, v)
		}
		p.submit(audit.ResponseEntry(p.capture.Response(tr.ID, claims, rec.Header(), status)))
		tr.to(StateResponseAudited)
		if v == http.ErrAbortHandler {
			panic(v)
		}
	}()
	tr.to(StateForwarded)
	p.forward.ServeHTTP(rec, r)
}

// forwardSafely forwards without auditing; a forwarder panic still yields a
// response.
func (p *Pipeline) forwardSafely(w http.ResponseWriter, r *http.Request) {
	rec := httpx.NewStatusRecorder(w)
	defer func() {
		if v := recover(); v != nil {
			p.recovered(rec, r, v)
			if v == http.ErrAbortHandler {
				panic(v)
			}
		}
	}()
	p.forward.ServeHTTP(rec, r)
}

// recovered answers 502 when nothing was written yet and returns the status
// the client saw.
func (p *Pipeline) recovered(rec *httpx.StatusRecorder, r *http.Request, v interface{}) int {
	if v != http.ErrAbortHandler {
		p.logger.Error("forwarder panicked", zap.String("path", r.URL.Path), zap.Any("panic", v))
	}
	if !rec.WroteHeader() {
		httpx.Error(rec, r, http.StatusBadGateway, "upstream failure")
	}
	return rec.Status
}

func (p *Pipeline) submit(e audit.Entry, err error) {
	if err != nil {
		p.logger.Error("audit snapshot not encoded", zap.Error(err))
		return
	}
	p.auditor.Submit(e)
}

// StatusFor maps a pipeline error to the status returned to the client.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, auth.ErrInvalidCredential):
		return http.StatusUnauthorized
	case errors.Is(err, gate.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, store.ErrCacheUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
