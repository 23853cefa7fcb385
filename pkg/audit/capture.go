// Package audit records what passed through the gateway: a request snapshot
// before forwarding and a response snapshot on the way out, both published
// off the request path.
package audit

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"frontdoor/pkg/httpx"
	"frontdoor/pkg/models"
)

// Capture builds snapshots from live requests and responses.
type Capture struct {
	captureBody    bool
	maxBody        int64
	trustedProxies []string
	redactor       *Redactor
	now            func() time.Time
}

type CaptureOptions struct {
	CaptureBody    bool
	MaxBodyBytes   int64
	TrustedProxies []string
	// Redactor is applied to every snapshot when set.
	Redactor *Redactor
}

func NewCapture(opts CaptureOptions) *Capture {
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 64 << 10
	}
	return &Capture{
		captureBody:    opts.CaptureBody,
		maxBody:        maxBody,
		trustedProxies: opts.TrustedProxies,
		redactor:       opts.Redactor,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Request snapshots r for the caller identified by claims. When the body is
// captured, r.Body is replaced so the forwarder still reads all of it. A body
// over the size limit, or one that fails to read, is left out of the snapshot.
func (c *Capture) Request(r *http.Request, id string, claims models.Claims) models.RequestSnapshot {
	snap := models.RequestSnapshot{
		Kind:       models.SnapshotKindRequest,
		ID:         id,
		UserID:     claims.Subject,
		RemoteAddr: httpx.ClientIP(r, c.trustedProxies),
		Method:     r.Method,
		Path:       r.URL.Path,
		Query:      cloneValues(r.URL.Query()),
		Headers:    cloneValues(r.Header),
		Cookies:    requestCookies(r),
		Arrived:    c.now(),
	}
	if c.captureBody {
		snap.Body = c.readBody(r)
	}
	if c.redactor != nil {
		c.redactor.Request(&snap)
	}
	return snap
}

func (c *Capture) readBody(r *http.Request) *string {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	buf, err := io.ReadAll(io.LimitReader(r.Body, c.maxBody+1))
	rest := r.Body
	r.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(buf), rest), Closer: rest}
	if err != nil || int64(len(buf)) > c.maxBody || len(buf) == 0 {
		return nil
	}
	s := string(buf)
	return &s
}

type readCloser struct {
	io.Reader
	io.Closer
}

// Response snapshots the status and headers the client received.
func (c *Capture) Response(id string, claims models.Claims, header http.Header, status int) models.ResponseSnapshot {
	snap := models.ResponseSnapshot{
		Kind:    models.SnapshotKindResponse,
		ID:      id,
		UserID:  claims.Subject,
		Headers: cloneValues(header),
		Cookies: responseCookies(header),
		Status:  status,
		Arrived: c.now(),
	}
	if c.redactor != nil {
		c.redactor.Response(&snap)
	}
	return snap
}

func cloneValues[M ~map[string][]string](in M) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func requestCookies(r *http.Request) map[string][]models.Cookie {
	out := map[string][]models.Cookie{}
	for _, ck := range r.Cookies() {
		out[ck.Name] = append(out[ck.Name], models.Cookie{Name: ck.Name, Value: ck.Value})
	}
	return out
}

func responseCookies(header http.Header) map[string][]models.ResponseCookie {
	out := map[string][]models.ResponseCookie{}
	for _, ck := range (&http.Response{Header: header}).Cookies() {
		out[ck.Name] = append(out[ck.Name], models.ResponseCookie{
			Name:     ck.Name,
			Value:    ck.Value,
			MaxAge:   ck.MaxAge,
			Domain:   ck.Domain,
			Path:     ck.Path,
			Secure:   ck.Secure,
			HTTPOnly: ck.HttpOnly,
			SameSite: sameSiteName(ck.SameSite),
		})
	}
	return out
}

func sameSiteName(s http.SameSite) string {
	switch s {
	case http.SameSiteLaxMode:
		return "Lax"
	case http.SameSiteStrictMode:
		return "Strict"
	case http.SameSiteNoneMode:
		return "None"
	default:
		return ""
	}
}
