package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"frontdoor/pkg/auth"
	"frontdoor/pkg/httpx"
)

const maxSignInBody = 64 << 10

// SignInResponse is returned to a client whose credentials were accepted.
type SignInResponse struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	JWT    string `json:"jwt"`
}

type validateResponse struct {
	UserID json.Number `json:"userId"`
	Name   string      `json:"name,omitempty"`
}

// SignIn relays credentials to the user service's validate endpoint. An
// accepted login is answered with a freshly issued token; a rejection keeps
// its status and body, with "path" pointing at the sign-in route and
// "exception" cut down to the simple class name. A rejection body that is
// not a JSON object becomes the message of a standard error body.
type SignIn struct {
	upstream    httpx.Exchange
	validateURL string
	signInPath  string
	issuer      *auth.Issuer
	logger      *zap.Logger
}

func NewSignIn(authServerURI, validatePath, signInPath string, issuer *auth.Issuer, timeout time.Duration, logger *zap.Logger) (*SignIn, error) {
	u, err := parseTarget(authServerURI)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SignIn{
		upstream: httpx.Exchange{
			Client:   &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(newTransport(timeout))},
			MaxBody:  maxSignInBody,
			Attempts: 2,
			Backoff:  100 * time.Millisecond,
		},
		validateURL: strings.TrimRight(u.String(), "/") + validatePath,
		signInPath:  signInPath,
		issuer:      issuer,
		logger:      logger,
	}, nil
}

func (s *SignIn) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSignInBody))
	if err != nil {
		httpx.Error(w, r, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	status, respBody, err := s.upstream.Post(r.Context(), s.validateURL, body, r.Header.Get("Content-Type"))
	if err != nil {
		s.logger.Warn("user validation call failed", zap.String("url", s.validateURL), zap.Error(err))
		httpx.Error(w, r, http.StatusBadGateway, "authentication service unavailable")
		return
	}
	if status == http.StatusOK {
		s.accepted(w, r, respBody)
		return
	}
	s.rejected(w, r, status, respBody)
}

func (s *SignIn) accepted(w http.ResponseWriter, r *http.Request, body []byte) {
	var vr validateResponse
	if err := json.Unmarshal(body, &vr); err != nil || vr.UserID.String() == "" {
		s.logger.Error("unreadable user validation response", zap.Error(err))
		httpx.Error(w, r, http.StatusBadGateway, "authentication service returned an invalid response")
		return
	}
	token, _, err := s.issuer.Issue(vr.UserID.String(), vr.Name)
	if err != nil {
		s.logger.Error("token issue failed", zap.String("user_id", vr.UserID.String()), zap.Error(err))
		httpx.Error(w, r, http.StatusInternalServerError, "")
		return
	}
	s.logger.Info("user signed in", zap.String("user_id", vr.UserID.String()))
	httpx.WriteJSON(w, http.StatusOK, SignInResponse{UserID: vr.UserID.String(), Name: vr.Name, JWT: token})
}

func (s *SignIn) rejected(w http.ResponseWriter, r *http.Request, status int, body []byte) {
	var fields map[string]interface{}
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		// Plain-text rejections are wrapped so the response stays JSON.
		httpx.Error(w, r, status, strings.TrimSpace(string(body)))
		return
	}
	fields["path"] = s.signInPath
	if exc, ok := fields["exception"].(string); ok {
		fields["exception"] = exc[strings.LastIndex(exc, ".")+1:]
	}
	httpx.WriteJSON(w, status, fields)
}
