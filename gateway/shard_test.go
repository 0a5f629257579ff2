package gateway

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/sandwichgg/sandwich/sandwicherr"
)

func TestValidateHelloRejectsZeroHeartbeatInterval(t *testing.T) {
	t.Parallel()

	err := validateHello(helloPayload{HeartbeatIntervalMs: 0})

	var protoErr *sandwicherr.ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("expected ProtocolError for a zero heartbeat_interval, got %v (%T)", err, err)
	}
}

func TestValidateHelloAcceptsPositiveHeartbeatInterval(t *testing.T) {
	t.Parallel()

	if err := validateHello(helloPayload{HeartbeatIntervalMs: 41250}); err != nil {
		t.Fatalf("unexpected error for a valid HELLO: %v", err)
	}
}

func TestReconnectDelayGivesInvalidSessionItsOwnJitteredWait(t *testing.T) {
	t.Parallel()

	s := &Shard{rng: rand.New(rand.NewSource(1))}

	for i := 0; i < 20; i++ {
		wait := s.reconnectDelay(&sandwicherr.SessionInvalidError{Resumable: true})
		if wait < invalidSessionMinWait || wait > invalidSessionMaxWait {
			t.Fatalf("reconnectDelay for INVALID_SESSION out of range [%v, %v]: %v", invalidSessionMinWait, invalidSessionMaxWait, wait)
		}
		if s.failures != 0 {
			t.Fatalf("INVALID_SESSION must not increment the transport-failure counter, got failures=%d", s.failures)
		}
	}
}

func TestReconnectDelayFallsBackToExponentialBackoffForOtherErrors(t *testing.T) {
	t.Parallel()

	s := &Shard{rng: rand.New(rand.NewSource(1))}

	first := s.reconnectDelay(errors.New("connection reset"))
	if first != nextBackoff(0) {
		t.Fatalf("expected first transport failure to use nextBackoff(0), got %v", first)
	}
	if s.failures != 1 {
		t.Fatalf("expected failures to be incremented, got %d", s.failures)
	}

	second := s.reconnectDelay(errors.New("connection reset"))
	if second != nextBackoff(1) {
		t.Fatalf("expected second transport failure to use nextBackoff(1), got %v", second)
	}
	if s.failures != 2 {
		t.Fatalf("expected failures to be incremented again, got %d", s.failures)
	}
}

func TestClassifyDisconnectMapsDeadCodesToTaxonomyErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		code int
		want interface{}
	}{
		{"auth failed", 4004, &sandwicherr.AuthFailedError{}},
		{"invalid shard", 4010, &sandwicherr.InvalidShardError{}},
		{"disallowed intent", 4014, &sandwicherr.DisallowedIntentError{}},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			s := &Shard{shardID: 3, shardCount: 16}
			err := s.classifyDisconnect(&websocket.CloseError{Code: tt.code})

			var term *terminalError
			if !errors.As(err, &term) {
				t.Fatalf("expected a terminalError for dead close code %d, got %v (%T)", tt.code, err, err)
			}

			switch tt.want.(type) {
			case *sandwicherr.AuthFailedError:
				var target *sandwicherr.AuthFailedError
				if !errors.As(term.cause, &target) {
					t.Fatalf("expected AuthFailedError, got %v (%T)", term.cause, term.cause)
				}
			case *sandwicherr.InvalidShardError:
				var target *sandwicherr.InvalidShardError
				if !errors.As(term.cause, &target) {
					t.Fatalf("expected InvalidShardError, got %v (%T)", term.cause, term.cause)
				}
				if target.ShardID != 3 || target.ShardCount != 16 {
					t.Fatalf("expected InvalidShardError to carry the shard's id/count, got %+v", target)
				}
			case *sandwicherr.DisallowedIntentError:
				var target *sandwicherr.DisallowedIntentError
				if !errors.As(term.cause, &target) {
					t.Fatalf("expected DisallowedIntentError, got %v (%T)", term.cause, term.cause)
				}
			}
		})
	}
}

func TestClassifyDisconnectLeavesOtherDeadCodesUntyped(t *testing.T) {
	t.Parallel()

	s := &Shard{}
	err := s.classifyDisconnect(&websocket.CloseError{Code: 4003})

	var term *terminalError
	if !errors.As(err, &term) {
		t.Fatalf("expected a terminalError, got %v (%T)", err, err)
	}
	if term.cause.Error() == "" {
		t.Fatalf("expected the raw close error to be preserved as the cause")
	}
}

func TestClassifyDisconnectResumableAndRestartCleanly(t *testing.T) {
	t.Parallel()

	s := &Shard{sessionID: "abc", seq: 5}
	err := s.classifyDisconnect(&websocket.CloseError{Code: 4000})
	var term *terminalError
	if errors.As(err, &term) {
		t.Fatalf("resumable close code must not produce a terminalError")
	}

	err = s.classifyDisconnect(&websocket.CloseError{Code: 4009})
	if errors.As(err, &term) {
		t.Fatalf("restart-cleanly close code must not produce a terminalError")
	}
	if s.sessionID != "" || s.seq != 0 {
		t.Fatalf("expected restart-cleanly to clear session state, got sessionID=%q seq=%d", s.sessionID, s.seq)
	}
}
