// Package strava provides the Strava API client and the credential provider refreshing its tokens.
package strava

import (
	"errors"
	"net/http"
	"time"

	"github.com/stravabronze/activity-sync/internal/common/constants"
	"github.com/stravabronze/activity-sync/internal/models"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the root of the Strava v3 API.
	DefaultBaseURL = "https://www.strava.com/api/v3"
	// DefaultTokenURL is the Strava OAuth token endpoint.
	DefaultTokenURL = "https://www.strava.com/oauth/token"

	// activitiesPerPage is the largest page size accepted by the activities listing.
	activitiesPerPage = 200
)

var (
	// ErrNotFound is returned when the requested resource does not exist or is not visible.
	ErrNotFound = errors.New("strava resource not found")
	// ErrRateLimited is returned when Strava rejects a request because of its rate limits.
	ErrRateLimited = errors.New("strava rate limit exceeded")
	// ErrUnauthorized is returned when the credentials are refused.
	ErrUnauthorized = errors.New("strava refused credentials")
	// ErrUpstream is returned for any other unexpected response.
	ErrUpstream = errors.New("unexpected strava response")
)

type options struct {
	baseURL    string
	tokenURL   string
	httpClient *http.Client
	limiter    *rate.Limiter
	decoder    models.Decoder
	secretName string
}

// Options represents an optional function to override Strava client default values.
type Options func(*options)

// WithBaseURL overrides the API root.
func WithBaseURL(u string) Options {
	return func(o *options) {
		o.baseURL = u
	}
}

// WithTokenURL overrides the OAuth token endpoint.
func WithTokenURL(u string) Options {
	return func(o *options) {
		o.tokenURL = u
	}
}

// WithHTTPClient sets the client used for token refresh and as the base of API calls.
func WithHTTPClient(c *http.Client) Options {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithRateLimiter paces API requests with l. It can be shared by several clients.
func WithRateLimiter(l *rate.Limiter) Options {
	return func(o *options) {
		o.limiter = l
	}
}

// WithDecoder sets the decoder for API responses.
func WithDecoder(d models.Decoder) Options {
	return func(o *options) {
		o.decoder = d
	}
}

// WithSecretName sets the name of the secret holding the credentials.
func WithSecretName(name string) Options {
	return func(o *options) {
		o.secretName = name
	}
}

// NewRateLimiter returns a limiter allowing burst requests then one every interval.
func NewRateLimiter(interval time.Duration, burst int) *rate.Limiter {
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(interval), burst)
}

func newOptions(args ...Options) options {
	opts := options{
		baseURL:    DefaultBaseURL,
		tokenURL:   DefaultTokenURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		// 100 requests per 15 minutes.
		limiter:    NewRateLimiter(9*time.Second, 100),
		secretName: constants.DefaultCredentialsSecret,
	}
	for _, opt := range args {
		opt(&opts)
	}
	return opts
}
