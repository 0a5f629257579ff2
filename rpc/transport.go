package rpc

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/vmihailenco/msgpack/v5"
)

// requester is the slice of *nats.Conn this package actually calls. Narrowing
// it to an interface lets tests substitute an in-memory fake instead of
// dialing a real NATS server.
type requester interface {
	Request(subject string, data []byte, timeout time.Duration) (*nats.Msg, error)
}

// responder is the slice of *nats.Conn used to register handlers. The server
// constructors take a *nats.Conn directly; server tests call the handlers
// without any connection.
type responder interface {
	Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error)
}

// ErrUnreachable is returned when the coordinator cannot be reached at all
// (connection refused, request timeout). A request that could not be encoded,
// or a reply that could not be decoded, is returned as a plain wrapped error
// instead. RateLimitCoordinatorClient falls back to its local authorizer on
// either kind of error when fallback is enabled.
type ErrUnreachable struct {
	Subject string
	Cause   error
}

func (e *ErrUnreachable) Error() string {
	return fmt.Sprintf("rpc: %s unreachable: %v", e.Subject, e.Cause)
}

func (e *ErrUnreachable) Unwrap() error { return e.Cause }

func request(r requester, subject string, timeout time.Duration, req, resp interface{}) error {
	data, err := msgpack.Marshal(req)
	if err != nil {
		return fmt.Errorf("rpc: encode %s request: %w", subject, err)
	}

	msg, err := r.Request(subject, data, timeout)
	if err != nil {
		return &ErrUnreachable{Subject: subject, Cause: err}
	}

	if err := msgpack.Unmarshal(msg.Data, resp); err != nil {
		return fmt.Errorf("rpc: decode %s response: %w", subject, err)
	}
	return nil
}

func respond(handler func(data []byte) ([]byte, error)) nats.MsgHandler {
	return func(msg *nats.Msg) {
		reply, err := handler(msg.Data)
		if err != nil || reply == nil {
			return
		}
		_ = msg.Respond(reply)
	}
}
