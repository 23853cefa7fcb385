package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Claims is the validated content of a bearer credential.
type Claims struct {
	Subject   string    `json:"sub"`
	Scope     string    `json:"scope,omitempty"`
	IssuedAt  time.Time `json:"iat"`
	ExpiresAt time.Time `json:"exp"`
}

// HasScope reports whether the space separated scope list contains s.
func (c Claims) HasScope(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	for _, part := range strings.Fields(c.Scope) {
		if part == s {
			return true
		}
	}
	return false
}

// BlockWindow is the closed interval during which a user is denied.
type BlockWindow struct {
	UserID string    `json:"userId"`
	From   time.Time `json:"from"`
	To     time.Time `json:"to"`
}

// NewBlockWindow truncates both bounds to the second, the precision stored
// in the shared tier.
func NewBlockWindow(userID string, from, to time.Time) BlockWindow {
	return BlockWindow{
		UserID: userID,
		From:   from.UTC().Truncate(time.Second),
		To:     to.UTC().Truncate(time.Second),
	}
}

// Covers is inclusive on both ends.
func (w BlockWindow) Covers(t time.Time) bool {
	return !t.Before(w.From) && !t.After(w.To)
}

func (w BlockWindow) Validate() error {
	if strings.TrimSpace(w.UserID) == "" {
		return fmt.Errorf("block window: user id required")
	}
	if w.From.IsZero() || w.To.IsZero() {
		return fmt.Errorf("block window %s: from and to required", w.UserID)
	}
	if w.From.After(w.To) {
		return fmt.Errorf("block window %s: from %s after to %s", w.UserID, w.From.Format(time.RFC3339), w.To.Format(time.RFC3339))
	}
	return nil
}

// BlacklistEvent is one record of the blacklisted-users feed.
type BlacklistEvent struct {
	UserID string    `json:"userId"`
	From   time.Time `json:"from"`
	To     time.Time `json:"to"`
}

// Window converts the event into the window it requests.
func (e BlacklistEvent) Window() BlockWindow {
	return NewBlockWindow(e.UserID, e.From, e.To)
}

// eventTimeLayouts lists accepted timestamp shapes. Zone-less values are UTC.
var eventTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func (e *BlacklistEvent) UnmarshalJSON(b []byte) error {
	var raw struct {
		UserID json.RawMessage `json:"userId"`
		From   string          `json:"from"`
		To     string          `json:"to"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	userID, err := decodeUserID(raw.UserID)
	if err != nil {
		return err
	}
	from, err := ParseEventTime(raw.From)
	if err != nil {
		return fmt.Errorf("from: %w", err)
	}
	to, err := ParseEventTime(raw.To)
	if err != nil {
		return fmt.Errorf("to: %w", err)
	}
	e.UserID = userID
	e.From = from
	e.To = to
	return nil
}

// decodeUserID accepts the id as a JSON string or number.
func decodeUserID(raw json.RawMessage) (string, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return "", nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("userId: %w", err)
		}
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("userId: %w", err)
	}
	return n.String(), nil
}

// ParseEventTime parses a feed timestamp.
func ParseEventTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("timestamp required")
	}
	for _, layout := range eventTimeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp %q", raw)
}

const (
	SnapshotKindRequest  = "request"
	SnapshotKindResponse = "response"
)

// Cookie is a request cookie as received.
type Cookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ResponseCookie mirrors the attributes of a Set-Cookie header.
type ResponseCookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	MaxAge   int    `json:"maxAge"`
	Domain   string `json:"domain,omitempty"`
	Path     string `json:"path,omitempty"`
	Secure   bool   `json:"secure"`
	HTTPOnly bool   `json:"httpOnly"`
	SameSite string `json:"sameSite,omitempty"`
}

type RequestSnapshot struct {
	Kind       string              `json:"kind"`
	ID         string              `json:"id"`
	UserID     string              `json:"userId"`
	RemoteAddr string              `json:"remoteAddr"`
	Method     string              `json:"method"`
	Path       string              `json:"path"`
	Query      map[string][]string `json:"query"`
	Headers    map[string][]string `json:"headers"`
	Cookies    map[string][]Cookie `json:"cookies"`
	Body       *string             `json:"body,omitempty"`
	Arrived    time.Time           `json:"arrived"`
}

type ResponseSnapshot struct {
	Kind    string                      `json:"kind"`
	ID      string                      `json:"id"`
	UserID  string                      `json:"userId"`
	Headers map[string][]string         `json:"headers"`
	Cookies map[string][]ResponseCookie `json:"cookies"`
	Status  int                         `json:"status"`
	Arrived time.Time                   `json:"arrived"`
}
