package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"

	"frontdoor/pkg/models"
)

// Redactor replaces sensitive header values and every cookie value with a
// salted SHA-256 digest, so equal secrets still correlate across snapshots.
type Redactor struct {
	salt    []byte
	headers map[string]struct{}
}

func NewRedactor(salt string, headers []string) *Redactor {
	set := make(map[string]struct{}, len(headers))
	for _, h := range headers {
		if h != "" {
			set[http.CanonicalHeaderKey(h)] = struct{}{}
		}
	}
	return &Redactor{salt: []byte(salt), headers: set}
}

func (r *Redactor) Request(s *models.RequestSnapshot) {
	r.redactHeaders(s.Headers)
	for name, cookies := range s.Cookies {
		for i := range cookies {
			cookies[i].Value = hashString(cookies[i].Value, r.salt)
		}
		s.Cookies[name] = cookies
	}
}

func (r *Redactor) Response(s *models.ResponseSnapshot) {
	r.redactHeaders(s.Headers)
	for name, cookies := range s.Cookies {
		for i := range cookies {
			cookies[i].Value = hashString(cookies[i].Value, r.salt)
		}
		s.Cookies[name] = cookies
	}
}

func (r *Redactor) redactHeaders(h map[string][]string) {
	for name, values := range h {
		if _, ok := r.headers[http.CanonicalHeaderKey(name)]; !ok {
			continue
		}
		out := make([]string, len(values))
		for i, v := range values {
			out[i] = hashString(v, r.salt)
		}
		h[name] = out
	}
}

func hashString(v string, salt []byte) string {
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
