// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/caplogin/internal/strutils"
	sdkHttp "github.com/hashicorp/caplogin/sdk/http"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/text/language"
)

// Alg represents asymmetric signing algorithms
type Alg string

const (
	// JOSE asymmetric signing algorithm values as defined by RFC 7518.
	//
	// See: https://tools.ietf.org/html/rfc7518#section-3.1
	RS256 Alg = "RS256" // RSASSA-PKCS-v1.5 using SHA-256
	RS384 Alg = "RS384" // RSASSA-PKCS-v1.5 using SHA-384
	RS512 Alg = "RS512" // RSASSA-PKCS-v1.5 using SHA-512
	ES256 Alg = "ES256" // ECDSA using P-256 and SHA-256
	ES384 Alg = "ES384" // ECDSA using P-384 and SHA-384
	ES512 Alg = "ES512" // ECDSA using P-521 and SHA-512
	PS256 Alg = "PS256" // RSASSA-PSS using SHA256 and MGF1-SHA256
	PS384 Alg = "PS384" // RSASSA-PSS using SHA384 and MGF1-SHA384
	PS512 Alg = "PS512" // RSASSA-PSS using SHA512 and MGF1-SHA512
)

var supportedAlgorithms = map[Alg]bool{
	RS256: true,
	RS384: true,
	RS512: true,
	ES256: true,
	ES384: true,
	ES512: true,
	PS256: true,
	PS384: true,
	PS512: true,
}

// ClientSecret is an oauth client secret
type ClientSecret string

// RedactedClientSecret is the redacted string or json for an oauth client secret
const RedactedClientSecret = "[REDACTED: client secret]"

// String will redact the client secret
func (t ClientSecret) String() string {
	return RedactedClientSecret
}

// MarshalJSON will redact the client secret
func (t ClientSecret) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedClientSecret)
}

const (
	// DefaultLoopbackAddr is the address the popup strategy listens on.
	// The port is chosen by the OS.
	DefaultLoopbackAddr = "127.0.0.1:0"

	// DefaultPopupTimeout is how long the popup strategy waits for the
	// provider's response before the popup is considered closed.
	DefaultPopupTimeout = 2 * time.Minute

	// DefaultRequestTTL is how long a redirect request can be pending.
	DefaultRequestTTL = 10 * time.Minute
)

// Config represents the configuration for the OIDC authorization code flow
// with PKCE used by both sign-in strategies.
type Config struct {
	// Issuer is a case-sensitive URL string using the https scheme that
	// contains scheme, host, and optionally, port number and path components
	// and no query or fragment components.
	Issuer string `json:"issuer"`

	// ClientID is the relying party id
	ClientID string `json:"clientId"`

	// ClientSecret is the optional relying party secret. Public clients rely
	// on PKCE only.
	ClientSecret ClientSecret `json:"clientSecret,omitempty"`

	// Scopes is a list of additional oidc scopes to request of the provider.
	// The required "openid" scope is always requested.
	Scopes []string `json:"scopes,omitempty"`

	// RedirectURL is the provider's redirect target for the redirect
	// strategy. The redirect strategy is disabled when it's empty.
	RedirectURL string `json:"redirectUrl,omitempty"`

	// SupportedSigningAlgs is a list of supported signing algorithms.
	// Defaults to RS256.
	SupportedSigningAlgs []Alg `json:"supportedSigningAlgs,omitempty"`

	// Audiences is a list optional case-sensitive strings used when
	// verifying an id_token's "aud" claim
	Audiences []string `json:"audiences,omitempty"`

	// ProviderCA is an optional CA cert to use when sending requests to the
	// provider.
	ProviderCA string `json:"providerCA,omitempty"`

	// UILocales is an optional list of preferred languages for the
	// provider's sign-in page.
	UILocales []language.Tag `json:"uiLocales,omitempty"`

	// LoopbackAddr is the local address for the popup strategy's callback
	// listener. It must be a loopback address.
	LoopbackAddr string `json:"-"`

	// PopupTimeout bounds the popup strategy.
	PopupTimeout time.Duration `json:"-"`

	// RequestTTL is the lifetime of an authorization request.
	RequestTTL time.Duration `json:"-"`
}

// NewConfig composes a new config for a provider.
//
// Supported options: WithClientSecret, WithScopes, WithRedirectURL,
// WithSupportedSigningAlgs, WithAudiences, WithProviderCA, WithUILocales,
// WithLoopbackAddr, WithPopupTimeout, WithRequestTTL
func NewConfig(issuer string, clientID string, opt ...Option) (*Config, error) {
	const op = "oidc.NewConfig"
	c := &Config{
		Issuer:   issuer,
		ClientID: clientID,
	}
	c.applyOpts(opt...)
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: invalid provider config: %w", op, err)
	}
	return c, nil
}

// NewConfigFromJSON decodes the provider config blob served by the backend.
// The options override the decoded values.
func NewConfigFromJSON(blob []byte, opt ...Option) (*Config, error) {
	const op = "oidc.NewConfigFromJSON"
	if len(blob) == 0 {
		return nil, fmt.Errorf("%s: config is empty: %w", op, ErrInvalidParameter)
	}
	var c Config
	if err := json.Unmarshal(blob, &c); err != nil {
		return nil, fmt.Errorf("%s: unable to decode config: %w", op, err)
	}
	c.applyOpts(opt...)
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: invalid provider config: %w", op, err)
	}
	return &c, nil
}

func (c *Config) applyOpts(opt ...Option) {
	opts := getConfigOpts(opt...)
	if opts.withClientSecret != "" {
		c.ClientSecret = opts.withClientSecret
	}
	if len(opts.withScopes) > 0 {
		c.Scopes = opts.withScopes
	}
	if opts.withRedirectURL != "" {
		c.RedirectURL = opts.withRedirectURL
	}
	if len(opts.withSupportedSigningAlgs) > 0 {
		c.SupportedSigningAlgs = opts.withSupportedSigningAlgs
	}
	if len(opts.withAudiences) > 0 {
		c.Audiences = opts.withAudiences
	}
	if opts.withProviderCA != "" {
		c.ProviderCA = opts.withProviderCA
	}
	if len(opts.withUILocales) > 0 {
		c.UILocales = opts.withUILocales
	}
	if len(c.SupportedSigningAlgs) == 0 {
		c.SupportedSigningAlgs = []Alg{RS256}
	}
	c.LoopbackAddr = opts.withLoopbackAddr
	c.PopupTimeout = opts.withPopupTimeout
	c.RequestTTL = opts.withRequestTTL
	c.Scopes = strutils.RemoveDuplicatesStable(c.Scopes, false)
}

// Validate the provider configuration. It verifies the issuer is a valid
// URL, but it doesn't verify the issuer is discoverable via an http
// request. Every problem found is reported.
func (c *Config) Validate() error {
	const op = "Config.Validate"
	if c == nil {
		return fmt.Errorf("%s: provider config is nil: %w", op, ErrNilParameter)
	}
	var errs *multierror.Error
	if c.ClientID == "" {
		errs = multierror.Append(errs, fmt.Errorf("client id is empty: %w", ErrInvalidParameter))
	}
	if c.Issuer == "" {
		errs = multierror.Append(errs, fmt.Errorf("issuer is empty: %w", ErrInvalidIssuer))
	} else {
		u, err := url.Parse(c.Issuer)
		switch {
		case err != nil:
			errs = multierror.Append(errs, fmt.Errorf("issuer %s is invalid (%s): %w", c.Issuer, err, ErrInvalidIssuer))
		case !strutils.StrListContains([]string{"https", "http"}, u.Scheme):
			errs = multierror.Append(errs, fmt.Errorf("issuer %s schema is not http or https: %w", c.Issuer, ErrInvalidIssuer))
		}
	}
	if c.RedirectURL != "" {
		if u, err := url.Parse(c.RedirectURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = multierror.Append(errs, fmt.Errorf("redirect URL %s is not an absolute URL: %w", c.RedirectURL, ErrInvalidParameter))
		}
	}
	for _, a := range c.SupportedSigningAlgs {
		if !supportedAlgorithms[a] {
			errs = multierror.Append(errs, fmt.Errorf("unsupported algorithm %s: %w", a, ErrUnsupportedAlg))
		}
	}
	if c.ProviderCA != "" {
		if _, err := sdkHttp.NewClient(c.ProviderCA); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("provider CA: %w", ErrInvalidCACert))
		}
	}
	if err := validateLoopback(c.LoopbackAddr); err != nil {
		errs = multierror.Append(errs, err)
	}
	if c.PopupTimeout <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("popup timeout not greater than zero: %w", ErrInvalidParameter))
	}
	if c.RequestTTL <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("request TTL not greater than zero: %w", ErrInvalidParameter))
	}
	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func validateLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("loopback address %q is invalid: %w", addr, ErrInvalidParameter)
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("loopback address %q is not a loopback address: %w", addr, ErrInvalidParameter)
	}
	return nil
}

// HttpClient is a helper function that creates a new http client for the
// provider configured
func (c *Config) HttpClient() (*http.Client, error) {
	const op = "Config.HttpClient"
	client, err := sdkHttp.NewClient(c.ProviderCA)
	if err != nil {
		if errors.Is(err, sdkHttp.ErrInvalidCertificatePem) {
			return nil, fmt.Errorf("%s: could not parse CA PEM value: %w", op, ErrInvalidCACert)
		}
		return nil, fmt.Errorf("%s: could not get an http client: %w", op, err)
	}
	return client, nil
}

// configOptions is the set of available options for Config functions
type configOptions struct {
	withClientSecret         ClientSecret
	withScopes               []string
	withRedirectURL          string
	withSupportedSigningAlgs []Alg
	withAudiences            []string
	withProviderCA           string
	withUILocales            []language.Tag
	withLoopbackAddr         string
	withPopupTimeout         time.Duration
	withRequestTTL           time.Duration
}

// configDefaults is a handy way to get the defaults at runtime and during
// unit tests.
func configDefaults() configOptions {
	return configOptions{
		withLoopbackAddr: DefaultLoopbackAddr,
		withPopupTimeout: DefaultPopupTimeout,
		withRequestTTL:   DefaultRequestTTL,
	}
}

// getConfigOpts gets the defaults and applies the opt overrides passed in.
func getConfigOpts(opt ...Option) configOptions {
	opts := configDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithClientSecret provides an optional client secret for: Config
func WithClientSecret(secret ClientSecret) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withClientSecret = secret
		}
	}
}

// WithScopes provides an optional list of scopes for: Config
func WithScopes(scopes ...string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withScopes = scopes
		}
	}
}

// WithRedirectURL provides an optional redirect URL for: Config
func WithRedirectURL(redirectURL string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withRedirectURL = redirectURL
		}
	}
}

// WithSupportedSigningAlgs provides an optional list of signing algorithms
// for: Config
func WithSupportedSigningAlgs(algs ...Alg) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withSupportedSigningAlgs = algs
		}
	}
}

// WithAudiences provides an optional list of audiences for: Config
func WithAudiences(auds ...string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withAudiences = auds
		}
	}
}

// WithProviderCA provides an optional CA cert for: Config
func WithProviderCA(cert string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withProviderCA = cert
		}
	}
}

// WithUILocales provides an optional list of preferred languages for the
// provider's sign-in page, for: Config
func WithUILocales(tags ...language.Tag) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withUILocales = tags
		}
	}
}

// WithLoopbackAddr provides an optional loopback listener address for: Config
func WithLoopbackAddr(addr string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withLoopbackAddr = addr
		}
	}
}

// WithPopupTimeout provides an optional popup timeout for: Config
func WithPopupTimeout(d time.Duration) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withPopupTimeout = d
		}
	}
}

// WithRequestTTL provides an optional request lifetime for: Config
func WithRequestTTL(d time.Duration) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withRequestTTL = d
		}
	}
}
