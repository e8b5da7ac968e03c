package strava

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/stravabronze/activity-sync/internal/models"
	"github.com/ubuntu/decorate"
	"golang.org/x/time/rate"
)

// maxResponseBytes bounds the size of a single API response.
const maxResponseBytes = 32 << 20

// Client performs typed calls against the Strava API.
type Client struct {
	http    *http.Client
	baseURL string
	limiter *rate.Limiter
	decoder models.Decoder
}

// NewClient returns a client sending requests with httpClient, which is expected to authenticate them.
func NewClient(httpClient *http.Client, args ...Options) *Client {
	return newClient(httpClient, newOptions(args...))
}

func newClient(httpClient *http.Client, opts options) *Client {
	return &Client{
		http:    httpClient,
		baseURL: strings.TrimSuffix(opts.baseURL, "/"),
		limiter: opts.limiter,
		decoder: opts.decoder,
	}
}

// GetActivity returns the detailed activity id.
func (c *Client) GetActivity(ctx context.Context, id int64) (a *models.Activity, err error) {
	defer decorate.OnError(&err, "could not get activity %d", id)

	body, err := c.get(ctx, fmt.Sprintf("/activities/%d", id), nil)
	if err != nil {
		return nil, err
	}
	return c.decoder.Activity(body)
}

// GetActivityStreams returns the requested streams of activity id. With no types, the default
// time, latlng and distance streams are requested.
func (c *Client) GetActivityStreams(ctx context.Context, id int64, types ...string) (s *models.StreamSet, err error) {
	defer decorate.OnError(&err, "could not get streams of activity %d", id)

	if len(types) == 0 {
		types = models.DefaultStreamTypes
	}
	q := url.Values{}
	q.Set("keys", strings.Join(types, ","))
	q.Set("key_by_type", "true")

	body, err := c.get(ctx, fmt.Sprintf("/activities/%d/streams", id), q)
	if err != nil {
		return nil, err
	}
	return c.decoder.Streams(body)
}

// FetchDetail returns activity id with its default streams.
func (c *Client) FetchDetail(ctx context.Context, id int64) (*models.Activity, *models.StreamSet, error) {
	a, err := c.GetActivity(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	s, err := c.GetActivityStreams(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return a, s, nil
}

// ForEachActivity calls fn with the id of every activity of the athlete, oldest first.
//
// Iteration stops at the first error returned by fn.
func (c *Client) ForEachActivity(ctx context.Context, fn func(id int64) error) (err error) {
	defer decorate.OnError(&err, "could not list activities")

	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("after", "0")
		q.Set("page", strconv.Itoa(page))
		q.Set("per_page", strconv.Itoa(activitiesPerPage))

		body, err := c.get(ctx, "/athlete/activities", q)
		if err != nil {
			return err
		}

		var summaries []struct {
			ID int64 `json:"id"`
		}
		if err := json.Unmarshal(body, &summaries); err != nil {
			return errors.Join(models.ErrSchema, err)
		}
		if len(summaries) == 0 {
			return nil
		}
		slog.Debug("Listed activities page", "page", page, "count", len(summaries))

		for _, s := range summaries {
			if err := fn(s.ID); err != nil {
				return err
			}
		}
	}
}

func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("could not read response: %v", err)
	}

	if err := statusError(resp, body); err != nil {
		return nil, err
	}
	return body, nil
}

func statusError(resp *http.Response, body []byte) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	detail := fmt.Errorf("%s %s: %s: %s", resp.Request.Method, resp.Request.URL.Path, resp.Status, bytesPrefix(body, 256))
	switch resp.StatusCode {
	case http.StatusNotFound:
		return errors.Join(ErrNotFound, detail)
	case http.StatusTooManyRequests:
		return errors.Join(ErrRateLimited, detail)
	case http.StatusUnauthorized:
		return errors.Join(ErrUnauthorized, detail)
	default:
		return errors.Join(ErrUpstream, detail)
	}
}

func bytesPrefix(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
