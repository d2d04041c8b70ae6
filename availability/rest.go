package availability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"

	"golang.org/x/time/rate"
)

// RESTClient talks to the request/response endpoints of the schedule backend.
type RESTClient struct {
	http    *http.Client
	baseURL *url.URL
	header  http.Header
	limiter *rate.Limiter // optional; nil means unthrottled
}

type RESTOption func(*RESTClient)

func WithHTTPClient(h *http.Client) RESTOption {
	return func(c *RESTClient) { c.http = h }
}

// WithRESTHeader adds headers (the host session cookie) to every request.
func WithRESTHeader(h http.Header) RESTOption {
	return func(c *RESTClient) { c.header = h.Clone() }
}

// WithRateLimit throttles fallback traffic to rps requests per second. A
// waiting request gives up when its context expires.
func WithRateLimit(rps float64, burst int) RESTOption {
	return func(c *RESTClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
		}
	}
}

func NewRESTClient(baseURL string, opts ...RESTOption) (*RESTClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.New("base url must be absolute")
	}
	c := &RESTClient{http: http.DefaultClient, baseURL: u}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// APIResponse is the envelope every REST endpoint answers with.
type APIResponse[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data"`
	Error   string `json:"error,omitempty"`
}

type ScheduledData struct {
	IsScheduled bool `json:"isScheduled"`
}

type EmptyData struct {
	IsEmpty bool `json:"isEmpty"`
}

type BatchRequest struct {
	Requests []Slot `json:"requests"`
}

// CityStatus calls GET /api/city-schedule-status.
func (c *RESTClient) CityStatus(ctx context.Context, city, date string) (bool, error) {
	var out ScheduledData
	q := url.Values{"city": {city}, "date": {date}}
	if err := c.doJSON(ctx, http.MethodGet, "/api/city-schedule-status", q, nil, &out); err != nil {
		return false, err
	}
	return out.IsScheduled, nil
}

// AllCitiesEmpty calls GET /api/check-all-cities-empty.
func (c *RESTClient) AllCitiesEmpty(ctx context.Context, date string) (bool, error) {
	var out EmptyData
	if err := c.doJSON(ctx, http.MethodGet, "/api/check-all-cities-empty", url.Values{"date": {date}}, nil, &out); err != nil {
		return false, err
	}
	return out.IsEmpty, nil
}

// BatchCityAvailability calls POST /api/batch-city-availability and flattens
// the answer to "city:date" -> isScheduled.
func (c *RESTClient) BatchCityAvailability(ctx context.Context, slots []Slot) (map[string]bool, error) {
	var out map[string]ScheduledData
	if err := c.doJSON(ctx, http.MethodPost, "/api/batch-city-availability", nil, BatchRequest{Requests: slots}, &out); err != nil {
		return nil, err
	}
	res := make(map[string]bool, len(out))
	for k, v := range out {
		res[k] = v.IsScheduled
	}
	return res, nil
}

func (c *RESTClient) doJSON(ctx context.Context, method, p string, q url.Values, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s %s: rate limit: %w", method, p, err)
		}
	}

	u := *c.baseURL
	u.Path = path.Join(u.Path, p)
	u.RawQuery = q.Encode()

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), r)
	if err != nil {
		return err
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: %s: %s", method, p, resp.Status, bytes.TrimSpace(b))
	}

	var env APIResponse[json.RawMessage]
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, p, err)
	}
	if !env.Success {
		return fmt.Errorf("%s %s: backend error: %s", method, p, env.Error)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%s %s: decode data: %w", method, p, err)
	}
	return nil
}
