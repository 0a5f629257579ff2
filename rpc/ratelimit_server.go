package rpc

import (
	"github.com/nats-io/nats.go"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/sandwichgg/sandwich/ratelimit"
	"github.com/sandwichgg/sandwich/sandwichlog"
)

// RateLimitCoordinatorServer exposes a ratelimit.Authorizer over NATS
// request-reply, so every Sandwich-Producer-derived process in a cluster can
// share one rate-limit view instead of each discovering buckets cold.
type RateLimitCoordinatorServer struct {
	authorizer ratelimit.Authorizer
	log        sandwichlog.SourceLogger
	subs       []*nats.Subscription
}

// NewRateLimitCoordinatorServer subscribes authorizer to the coordinator
// subjects on conn. Call Close to unsubscribe.
func NewRateLimitCoordinatorServer(conn *nats.Conn, authorizer ratelimit.Authorizer, log sandwichlog.Logger) (*RateLimitCoordinatorServer, error) {
	s := &RateLimitCoordinatorServer{
		authorizer: authorizer,
		log:        log.With(sandwichlog.SourceRPC),
	}

	authSub, err := conn.Subscribe(SubjectRatelimitAuthorize, respond(s.handleAuthorize))
	if err != nil {
		return nil, err
	}
	s.subs = append(s.subs, authSub)

	updateSub, err := conn.Subscribe(SubjectRatelimitUpdate, respond(s.handleUpdate))
	if err != nil {
		s.Close()
		return nil, err
	}
	s.subs = append(s.subs, updateSub)

	return s, nil
}

// Close unsubscribes from every coordinator subject.
func (s *RateLimitCoordinatorServer) Close() error {
	var firstErr error
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *RateLimitCoordinatorServer) handleAuthorize(data []byte) ([]byte, error) {
	var req authorizeRequest
	if err := msgpack.Unmarshal(data, &req); err != nil {
		s.log.Warning("authorize request decode failed", sandwichlog.Data{"error": err.Error()})
		return nil, err
	}

	wait := s.authorizer.Authorize(req.Req)
	return msgpack.Marshal(authorizeResponse{Wait: wait})
}

func (s *RateLimitCoordinatorServer) handleUpdate(data []byte) ([]byte, error) {
	var req updateRequest
	if err := msgpack.Unmarshal(data, &req); err != nil {
		s.log.Warning("update request decode failed", sandwichlog.Data{"error": err.Error()})
		return nil, err
	}

	s.authorizer.Update(req.Req, req.Headers)
	return msgpack.Marshal(updateResponse{})
}
