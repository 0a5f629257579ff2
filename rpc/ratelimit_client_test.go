package rpc

import (
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/sandwichgg/sandwich/ratelimit"
	"github.com/sandwichgg/sandwich/sandwichlog"
)

// fakeRequester lets tests drive RateLimitCoordinatorClient without a live
// NATS connection: it's handed the encoded request and returns either a
// reply or an error, exactly what *nats.Conn.Request would.
type fakeRequester struct {
	reply func(subject string, data []byte) (*nats.Msg, error)
}

func (f *fakeRequester) Request(subject string, data []byte, timeout time.Duration) (*nats.Msg, error) {
	return f.reply(subject, data)
}

type stubAuthorizer struct {
	authorizeCalls int
	updateCalls    int
	wait           time.Duration
}

func (s *stubAuthorizer) Authorize(req ratelimit.Request) time.Duration {
	s.authorizeCalls++
	return s.wait
}

func (s *stubAuthorizer) Update(req ratelimit.Request, headers ratelimit.Update) {
	s.updateCalls++
}

func TestRateLimitCoordinatorClientAuthorizeUsesCoordinatorReply(t *testing.T) {
	t.Parallel()

	fr := &fakeRequester{reply: func(subject string, data []byte) (*nats.Msg, error) {
		if subject != SubjectRatelimitAuthorize {
			t.Fatalf("unexpected subject %q", subject)
		}
		body, err := msgpack.Marshal(authorizeResponse{Wait: 250 * time.Millisecond})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		return &nats.Msg{Data: body}, nil
	}}

	c := &RateLimitCoordinatorClient{conn: fr, timeout: time.Second, log: sandwichlog.NewConsole(nil).With(sandwichlog.SourceRPC)}

	got := c.Authorize(ratelimit.Request{Method: "GET", Route: "/channels/1/messages"})
	if got != 250*time.Millisecond {
		t.Fatalf("Authorize() = %v, want 250ms", got)
	}
}

func TestRateLimitCoordinatorClientFallsBackWhenUnreachable(t *testing.T) {
	t.Parallel()

	fr := &fakeRequester{reply: func(subject string, data []byte) (*nats.Msg, error) {
		return nil, errors.New("dial timeout")
	}}
	local := &stubAuthorizer{wait: 5 * time.Second}

	c := &RateLimitCoordinatorClient{
		conn:          fr,
		timeout:       time.Second,
		allowFallback: true,
		Local:         local,
		log:           sandwichlog.NewConsole(nil).With(sandwichlog.SourceRPC),
	}

	got := c.Authorize(ratelimit.Request{Method: "GET", Route: "/channels/1/messages"})
	if got != 5*time.Second {
		t.Fatalf("Authorize() = %v, want fallback's 5s", got)
	}
	if local.authorizeCalls != 1 {
		t.Fatalf("expected fallback to be consulted once, got %d calls", local.authorizeCalls)
	}
}

func TestRateLimitCoordinatorClientConservativeWaitWithoutFallback(t *testing.T) {
	t.Parallel()

	fr := &fakeRequester{reply: func(subject string, data []byte) (*nats.Msg, error) {
		return nil, errors.New("dial timeout")
	}}

	c := &RateLimitCoordinatorClient{
		conn:            fr,
		timeout:         time.Second,
		unreachableWait: 750 * time.Millisecond,
		log:             sandwichlog.NewConsole(nil).With(sandwichlog.SourceRPC),
	}

	got := c.Authorize(ratelimit.Request{Method: "GET", Route: "/channels/1/messages"})
	if got != 750*time.Millisecond {
		t.Fatalf("Authorize() = %v, want conservative 750ms", got)
	}
}

func TestRateLimitCoordinatorClientUpdateFallsBackOnFailure(t *testing.T) {
	t.Parallel()

	fr := &fakeRequester{reply: func(subject string, data []byte) (*nats.Msg, error) {
		return nil, errors.New("unreachable")
	}}
	local := &stubAuthorizer{}

	c := &RateLimitCoordinatorClient{
		conn:          fr,
		timeout:       time.Second,
		allowFallback: true,
		Local:         local,
		log:           sandwichlog.NewConsole(nil).With(sandwichlog.SourceRPC),
	}

	c.Update(ratelimit.Request{Method: "GET", Route: "/channels/1/messages"}, ratelimit.Update{})
	if local.updateCalls != 1 {
		t.Fatalf("expected fallback Update to be called once, got %d", local.updateCalls)
	}
}
