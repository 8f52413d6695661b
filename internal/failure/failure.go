// Package failure classifies job errors so the dispatcher can decide between
// retrying and failing immediately without inspecting the error itself.
package failure

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind is the coarse category a job error falls into.
type Kind string

const (
	KindTransient   Kind = "transient"
	KindRateLimited Kind = "rate_limited"
	KindTimeout     Kind = "timeout"
	KindTerminal    Kind = "terminal"
	KindMedia       Kind = "media"
	KindInvalid     Kind = "invalid"
)

// Classifier is implemented by errors that know their own kind.
type Classifier interface {
	ErrorKind() Kind
}

// Error carries a Kind alongside a short user-facing message.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Msg != "" {
		return e.Msg + ": " + e.Err.Error()
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) ErrorKind() Kind { return e.Kind }

func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind to err. A nil err stays nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func Transient(err error, msg string) error { return Wrap(KindTransient, err, msg) }
func Terminal(err error, msg string) error  { return Wrap(KindTerminal, err, msg) }
func Media(err error, msg string) error     { return Wrap(KindMedia, err, msg) }
func Invalid(err error, msg string) error   { return Wrap(KindInvalid, err, msg) }

// KindOf returns the kind declared anywhere in err's chain, falling back to
// classifying the message text.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var c Classifier
	if errors.As(err, &c) {
		return c.ErrorKind()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return Classify(err.Error())
}

var (
	terminalMarkers = []string{
		"safety", "blocked", "filtered", "content policy", "prohibited", "responsible ai",
	}
	rateMarkers = []string{
		"quota", "rate limit", "rate_limit", "ratelimit", "429", "resource_exhausted", "too many requests",
	}
)

// Classify maps a provider message to a kind: safety rejections are terminal,
// quota and rate messages are rate limited, everything else is transient.
func Classify(msg string) Kind {
	lower := strings.ToLower(msg)
	for _, m := range terminalMarkers {
		if strings.Contains(lower, m) {
			return KindTerminal
		}
	}
	for _, m := range rateMarkers {
		if strings.Contains(lower, m) {
			return KindRateLimited
		}
	}
	return KindTransient
}

// FromProvider wraps a provider error with the kind its message implies.
func FromProvider(err error, msg string) error {
	if err == nil {
		return nil
	}
	var c Classifier
	if errors.As(err, &c) {
		return err
	}
	return Wrap(Classify(err.Error()), err, msg)
}

// UserMessage flattens err to a short single-line reason suitable for display.
// Media errors keep their tail, where ffmpeg prints the actual cause.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.Join(strings.Fields(err.Error()), " ")
	const maxLen = 500
	if len(msg) <= maxLen {
		return msg
	}
	if KindOf(err) == KindMedia {
		return "..." + msg[len(msg)-maxLen:]
	}
	return msg[:maxLen] + "..."
}
