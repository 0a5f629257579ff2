// Package rest implements the REST client (component F): it serializes a
// request through the rate-limit cache, performs the HTTP transport, and
// feeds response headers back, generalizing the TODO left in
// TheRockettek/Sandwich-Producer's client.Client.HandleRequest into a full
// enqueue -> wait -> transport -> update -> resolve pipeline.
package rest

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/sandwichgg/sandwich/ratelimit"
	"github.com/sandwichgg/sandwich/sandwicherr"
	"github.com/sandwichgg/sandwich/sandwichlog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxRetriesOn429 bounds how many times a single request may be re-queued
// after a service-side 429, per spec's "implementation-chosen cap" clause.
const maxRetriesOn429 = 3

// Client is the REST transport, bound to a rate-limit Authorizer (either the
// in-process ratelimit.Cache or a remote rpc.RateLimitCoordinatorClient).
type Client struct {
	Token string

	HTTP       *http.Client
	Authorizer ratelimit.Authorizer
	Queue      *ratelimit.Queue

	APIVersion string
	URLHost    string
	URLScheme  string
	UserAgent  string

	log sandwichlog.SourceLogger
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.HTTP = h }
}

// WithLogger attaches a structured logger.
func WithLogger(l sandwichlog.Logger) Option {
	return func(c *Client) { c.log = l.With(sandwichlog.SourceAPI) }
}

// WithUserAgent overrides the default User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.UserAgent = ua }
}

// NewClient constructs a REST client bound to authorizer, which may be a
// local ratelimit.Cache or a remote coordinator client — the rest package
// never knows which.
func NewClient(token string, authorizer ratelimit.Authorizer, opts ...Option) *Client {
	c := &Client{
		Token:      normalizeToken(token),
		HTTP:       http.DefaultClient,
		Authorizer: authorizer,
		Queue:      ratelimit.NewQueue(),
		APIVersion: "10",
		URLHost:    "discord.com",
		URLScheme:  "https",
		UserAgent:  "sandwich (https://github.com/sandwichgg/sandwich, dev)",
		log:        sandwichlog.NewConsole(nil).With(sandwichlog.SourceAPI),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do serializes method/route through the rate-limit queue, performs the
// request, and feeds the response's headers back to the authorizer. route
// must be the templated path (e.g. "/channels/{channel_id}/messages") and
// params supplies the path's placeholder values so the fingerprint can be
// computed before the URL is built.
func (c *Client) Do(ctx context.Context, method, route string, params map[string]string, body io.Reader) (*http.Response, error) {
	req := ratelimit.Request{Method: method, Route: route, Params: params}

	var deadline time.Time
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}

	for attempt := 0; ; attempt++ {
		waitErr := c.Queue.Wait(ctx, req.Fingerprint(), deadline, func() time.Duration {
			return c.Authorizer.Authorize(req)
		})
		if waitErr != nil {
			c.log.Error("rate-limit wait failed", waitErr, nil)
			return nil, waitErr
		}

		res, err := c.transport(ctx, method, route, params, body)
		if err != nil {
			c.log.Error("transport failed", err, sandwichlog.Data{"route": route})
			return nil, &sandwicherr.TransportError{Op: method + " " + route, Err: err}
		}

		headers := ratelimit.ParseHeaders(res.Header)
		c.Authorizer.Update(req, headers)

		if res.StatusCode == http.StatusTooManyRequests {
			res.Body.Close()
			if attempt >= maxRetriesOn429 {
				exhausted := &sandwicherr.RateLimitExhaustedError{Attempts: attempt + 1}
				c.log.Error("rate limit exhausted", exhausted, sandwichlog.Data{"route": route})
				return nil, exhausted
			}
			continue
		}

		if res.StatusCode == http.StatusUnauthorized {
			res.Body.Close()
			authErr := &sandwicherr.AuthFailedError{}
			c.log.Error("request unauthorized", authErr, sandwichlog.Data{"route": route})
			return nil, authErr
		}

		return res, nil
	}
}

// transport performs the single underlying HTTP round trip, independent of
// rate-limit bookkeeping.
func (c *Client) transport(ctx context.Context, method, route string, params map[string]string, body io.Reader) (*http.Response, error) {
	path := substitute(route, params)

	httpReq, err := http.NewRequestWithContext(ctx, method, c.URLScheme+"://"+c.URLHost+"/api/v"+c.APIVersion+path, body)
	if err != nil {
		return nil, err
	}

	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", c.UserAgent)
	}
	if httpReq.Header.Get("Authorization") == "" {
		httpReq.Header.Set("Authorization", c.Token)
	}
	if body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	return c.HTTP.Do(httpReq)
}

// FetchJSON performs req and decodes the response body into v.
func (c *Client) FetchJSON(ctx context.Context, method, route string, params map[string]string, body io.Reader, v interface{}) error {
	res, err := c.Do(ctx, method, route, params, body)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if v == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(v)
}

// normalizeToken prepends the bot auth scheme per §6's "Token handling"
// rule, unless the caller already supplied it.
func normalizeToken(token string) string {
	if strings.HasPrefix(token, "Bot ") {
		return token
	}
	return "Bot " + token
}

// substitute replaces each "{name}" segment of route with params["name"],
// producing the concrete request path.
func substitute(route string, params map[string]string) string {
	if len(params) == 0 {
		return route
	}
	out := route
	for k, v := range params {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}
