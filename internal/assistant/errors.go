package assistant

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/parley/internal/stream"
)

// ErrorKind classifies assistant failures by how the conversation should
// recover from them.
type ErrorKind int

const (
	// KindTransient covers network failures, timeouts and anything
	// unclassified. The turn is abandoned with an apology.
	KindTransient ErrorKind = iota

	// KindNoSpeech means the backend heard nothing worth answering.
	KindNoSpeech

	// KindRateLimit means the backend or its upstream throttled the request.
	KindRateLimit

	// KindQuota means the upstream account ran out of credit.
	KindQuota

	// KindAuth means the backend rejected the credentials.
	KindAuth

	// KindServer is any other 5xx or server-reported failure.
	KindServer
)

var errorKindNames = [...]string{
	KindTransient: "transient",
	KindNoSpeech:  "no_speech",
	KindRateLimit: "rate_limit",
	KindQuota:     "quota",
	KindAuth:      "auth",
	KindServer:    "server",
}

// String returns the metric label of the kind.
func (k ErrorKind) String() string {
	if int(k) >= 0 && int(k) < len(errorKindNames) {
		return errorKindNames[k]
	}
	return "unknown"
}

// noSpeechMessages are what the backend reports when transcription came back
// empty or too short to answer.
var noSpeechMessages = []string{"no speech detected", "too short"}

// Error is a classified assistant failure.
type Error struct {
	Kind ErrorKind

	// StatusCode is the HTTP status when the failure came from a non-2xx
	// response, 0 for in-stream error events and transport failures.
	StatusCode int

	// Message is the server-provided error text, if any.
	Message string

	// RetryAfter is the cooldown the server asked for on rate limits.
	RetryAfter time.Duration

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("assistant: ")
	b.WriteString(e.Kind.String())
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err. Errors that are not an [*Error] are
// transient.
func KindOf(err error) ErrorKind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindTransient
}

// RetryAfter returns the cooldown carried by err, or 0.
func RetryAfter(err error) time.Duration {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.RetryAfter
	}
	return 0
}

// Retryable reports whether another backend might succeed where this one
// failed. Context errors and client-side classifications are final.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch KindOf(err) {
	case KindTransient, KindServer:
		return true
	default:
		return false
	}
}

// FromEvent converts an in-stream error event into an [*Error].
func FromEvent(ev stream.Event) *Error {
	msg := ev.Error
	kind := classify(msg, ev.ErrorType)
	e := &Error{Kind: kind, Message: msg}
	if kind == KindRateLimit {
		e.RetryAfter = waitHint(msg)
	}
	return e
}

// classify maps a server message (and optional exception type name) to a
// kind. Server-side failures default to KindServer.
func classify(msg, errType string) ErrorKind {
	lower := strings.ToLower(msg)
	switch {
	case slices.ContainsFunc(noSpeechMessages, func(m string) bool { return strings.Contains(lower, m) }):
		return KindNoSpeech
	case strings.Contains(lower, "quota"):
		return KindQuota
	case strings.Contains(lower, "rate limit"), strings.Contains(errType, "RateLimit"):
		return KindRateLimit
	case strings.Contains(errType, "Authentication"), strings.Contains(errType, "PermissionDenied"):
		return KindAuth
	default:
		return KindServer
	}
}

// fromStatus classifies a non-2xx response.
func fromStatus(code int, msg string, retryAfter string) *Error {
	e := &Error{StatusCode: code, Message: msg}
	switch {
	case code == 429:
		e.Kind = KindRateLimit
		if strings.Contains(strings.ToLower(msg), "quota") {
			e.Kind = KindQuota
		}
	case code == 401 || code == 403:
		e.Kind = KindAuth
	case code >= 500:
		e.Kind = classify(msg, "")
		if e.Kind == KindServer && (code == 502 || code == 503 || code == 504) {
			e.Kind = KindTransient
		}
	default:
		e.Kind = classify(msg, "")
	}
	if e.Kind == KindRateLimit {
		if secs, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && secs > 0 {
			e.RetryAfter = time.Duration(secs) * time.Second
		} else {
			e.RetryAfter = waitHint(msg)
		}
	}
	return e
}

var waitHintRe = regexp.MustCompile(`(?i)wait (\d+) seconds?|try again in (\d+)s`)

// waitHint extracts "wait N seconds" style cooldowns from a message.
func waitHint(msg string) time.Duration {
	m := waitHintRe.FindStringSubmatch(msg)
	if m == nil {
		return 0
	}
	n := m[1]
	if n == "" {
		n = m[2]
	}
	secs, err := strconv.Atoi(n)
	if err != nil {
		return 0
	}
	return time.Duration(secs) * time.Second
}
