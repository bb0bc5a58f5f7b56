// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package login

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var (
	ErrInvalidParameter  = errors.New("invalid parameter")
	ErrNilParameter      = errors.New("nil parameter")
	ErrAttemptInProgress = errors.New("sign-in attempt already in progress")
	ErrMalformedResponse = errors.New("malformed server response")
	ErrMissingRedirect   = errors.New("successful server response is missing a redirect target")
	ErrMissingCredential = errors.New("provider identity is missing a credential")
)

// Kind is the closed set of sign-in failure classes which are surfaced to the
// user. Every provider, network and backend failure is converted to exactly
// one Kind before it reaches a Reporter.
type Kind int

const (
	KindUnknown Kind = iota
	KindOriginNotAuthorized
	KindProviderMethodDisabled
	KindPopupBlocked
	KindPopupClosed
	KindUserCancelled
	KindNetworkFailure
	KindBackendRejected
)

// Kinds returns every defined Kind.
func Kinds() []Kind {
	return []Kind{
		KindUnknown,
		KindOriginNotAuthorized,
		KindProviderMethodDisabled,
		KindPopupBlocked,
		KindPopupClosed,
		KindUserCancelled,
		KindNetworkFailure,
		KindBackendRejected,
	}
}

func (k Kind) String() string {
	switch k {
	case KindOriginNotAuthorized:
		return "origin not authorized"
	case KindProviderMethodDisabled:
		return "provider method disabled"
	case KindPopupBlocked:
		return "popup blocked"
	case KindPopupClosed:
		return "popup closed"
	case KindUserCancelled:
		return "user cancelled"
	case KindNetworkFailure:
		return "network failure"
	case KindBackendRejected:
		return "backend rejected"
	default:
		return "unknown"
	}
}

// Fallback reports whether a failure of this kind means the popup strategy
// is structurally unavailable and the redirect strategy should be tried.
func (k Kind) Fallback() bool {
	return k == KindPopupBlocked || k == KindPopupClosed
}

// Informational reports whether the failure should be rendered in a
// non-error tone.
func (k Kind) Informational() bool {
	return k == KindUserCancelled
}

const (
	msgOriginNotAuthorized    = "This application's origin is not authorized with the identity provider. Add it to the provider's list of authorized domains."
	msgProviderMethodDisabled = "This sign-in method is not enabled for the application. Contact your administrator."
	msgPopupBlocked           = "The sign-in window could not be opened."
	msgPopupClosed            = "The sign-in window was closed before sign-in completed."
	msgUserCancelled          = "Sign-in was cancelled."
	msgNetworkFailure         = "A network error occurred during sign-in. Check your connection and try again."
	msgBackendRejected        = "Authentication with the server failed."
	msgUnknown                = "An unexpected error occurred during sign-in."
)

// Err provides the login package's error type. The Kind selects the
// user-facing message; Op, Msg and Wrapped carry diagnostics.
type Err struct {
	// Kind of the failure.
	Kind Kind

	// Op is the operation that raised the error.
	Op string

	// Msg is an optional message. For KindBackendRejected it's the
	// server-supplied reason and is shown to the user verbatim.
	Msg string

	// Wrapped is the underlying error, if any.
	Wrapped error

	// DiagnosticURL is an optional link shown with KindOriginNotAuthorized.
	DiagnosticURL string
}

var _ error = (*Err)(nil)

// NewError creates a new Err. Supported options: WithOp, WithMsg, WithWrap.
func NewError(k Kind, opt ...Option) *Err {
	opts := getErrOpts(opt...)
	return &Err{
		Kind:    k,
		Op:      opts.withOp,
		Msg:     opts.withErrMsg,
		Wrapped: opts.withErrWrapped,
	}
}

// Error satisfies the error interface and returns the diagnostic form of
// the error, which is not meant for end users. See UserMessage.
func (e *Err) Error() string {
	if e == nil {
		return ""
	}
	var s strings.Builder
	if e.Op != "" {
		s.WriteString(e.Op)
		s.WriteString(": ")
	}
	s.WriteString(e.Kind.String())
	if e.Msg != "" {
		s.WriteString(": ")
		s.WriteString(e.Msg)
	}
	if e.Wrapped != nil {
		s.WriteString(": ")
		s.WriteString(e.Wrapped.Error())
	}
	return s.String()
}

// Unwrap returns the wrapped error, if any.
func (e *Err) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Wrapped
}

// UserMessage returns the text to display in the error region. Raw
// low-level messages are never included for recognized kinds.
func (e *Err) UserMessage() string {
	if e == nil {
		return ""
	}
	switch e.Kind {
	case KindOriginNotAuthorized:
		if e.DiagnosticURL != "" {
			return fmt.Sprintf("%s See %s", msgOriginNotAuthorized, e.DiagnosticURL)
		}
		return msgOriginNotAuthorized
	case KindProviderMethodDisabled:
		return msgProviderMethodDisabled
	case KindPopupBlocked:
		return msgPopupBlocked
	case KindPopupClosed:
		return msgPopupClosed
	case KindUserCancelled:
		return msgUserCancelled
	case KindNetworkFailure:
		return msgNetworkFailure
	case KindBackendRejected:
		if e.Msg != "" {
			return e.Msg
		}
		return msgBackendRejected
	default:
		if e.Wrapped != nil {
			return fmt.Sprintf("%s (%s)", msgUnknown, e.Wrapped.Error())
		}
		if e.Msg != "" {
			return fmt.Sprintf("%s (%s)", msgUnknown, e.Msg)
		}
		return msgUnknown
	}
}

// ConvertError converts any error into an *Err. An *Err anywhere in the
// chain is returned as is; network errors become KindNetworkFailure; a
// malformed or contradictory backend response becomes KindBackendRejected;
// everything else becomes KindUnknown. A nil error returns nil.
func ConvertError(e error, opt ...Option) *Err {
	if e == nil {
		return nil
	}
	var loginErr *Err
	if errors.As(e, &loginErr) {
		return loginErr
	}
	opts := getErrOpts(opt...)
	kind := KindUnknown
	var netErr net.Error
	var urlErr *url.Error
	switch {
	case errors.Is(e, ErrMalformedResponse), errors.Is(e, ErrMissingRedirect):
		kind = KindBackendRejected
	case errors.As(e, &netErr), errors.As(e, &urlErr):
		kind = KindNetworkFailure
	}
	return &Err{
		Kind:    kind,
		Op:      opts.withOp,
		Msg:     opts.withErrMsg,
		Wrapped: e,
	}
}

// errOptions is the set of available options for Err functions
type errOptions struct {
	withOp         string
	withErrMsg     string
	withErrWrapped error
}

func errDefaults() errOptions {
	return errOptions{}
}

func getErrOpts(opt ...Option) errOptions {
	opts := errDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithOp provides an option to specify the operation that raised the error.
func WithOp(op string) Option {
	return func(o interface{}) {
		if o, ok := o.(*errOptions); ok {
			o.withOp = op
		}
	}
}

// WithMsg provides an optional message for an Err.
func WithMsg(msg string) Option {
	return func(o interface{}) {
		if o, ok := o.(*errOptions); ok {
			o.withErrMsg = msg
		}
	}
}

// WithWrap provides an error to wrap.
func WithWrap(e error) Option {
	return func(o interface{}) {
		if o, ok := o.(*errOptions); ok {
			o.withErrWrapped = e
		}
	}
}
