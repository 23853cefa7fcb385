package pipeline

import "context"

// State is a step of the per-request state machine.
type State string

const (
	StateStart           State = "START"
	StateAuthenticated   State = "AUTHENTICATED"
	StateAnonymous       State = "ANONYMOUS"
	StateGateChecked     State = "GATE_CHECKED"
	StateDenied          State = "DENIED"
	StateFailed          State = "FAILED"
	StateForwarded       State = "FORWARDED"
	StateResponseAudited State = "RESPONSE_AUDITED"
)

func (s State) String() string { return string(s) }

// Trace records the states a request went through. It is owned by the
// request's goroutine.
type Trace struct {
	ID     string
	states []State
}

func (t *Trace) to(s State) { t.states = append(t.states, s) }

func (t *Trace) States() []State { return append([]State(nil), t.states...) }

// Current is the latest state, or empty before the pipeline starts.
func (t *Trace) Current() State {
	if len(t.states) == 0 {
		return ""
	}
	return t.states[len(t.states)-1]
}

type traceKey struct{}

func withTrace(ctx context.Context, t *Trace) context.Context {
	return context.WithValue(ctx, traceKey{}, t)
}

// TraceFromContext returns the trace of the request being served.
func TraceFromContext(ctx context.Context) (*Trace, bool) {
	t, ok := ctx.Value(traceKey{}).(*Trace)
	return t, ok
}
