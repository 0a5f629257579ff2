package rpc

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/sandwichgg/sandwich/sandwichlog"
)

// identifyKeyPrefix namespaces identify locks in the shared Redis keyspace
// from the other keys Sandwich-Producer stores there (state.go's guild/
// channel/role cache), following the same *redis.Client the teacher's
// Manager.Configuration already holds.
const identifyKeyPrefix = "sandwich:identify-lock:"

// renewScript extends a lock's TTL only if the caller still holds it,
// mirroring the classic Redis distributed-lock pattern (check-then-expire
// as one atomic Lua script, since a bare GET+PEXPIRE pair would race
// against a holder whose lock just expired and was re-acquired by someone
// else).
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

// releaseScript deletes a lock only if the caller still holds it, for the
// same reason renewScript checks ownership first.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// IdentifyLockServer backs the identify-lock RPC subjects with a Redis
// SET-NX-PX lock. Each successful Acquire mints a fresh uuid token as the
// Redis value, so renew/release can only affect the specific acquisition
// that holds it — not whatever other acquisition (on this server process or
// any other replica) currently occupies the key.
type IdentifyLockServer struct {
	redis *redis.Client
	log   sandwichlog.SourceLogger
	subs  []*nats.Subscription
}

// NewIdentifyLockServer subscribes to the identify-lock subjects on conn.
func NewIdentifyLockServer(conn *nats.Conn, rdb *redis.Client, log sandwichlog.Logger) (*IdentifyLockServer, error) {
	s := &IdentifyLockServer{redis: rdb, log: log.With(sandwichlog.SourceRPC)}

	subjects := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{SubjectIdentifyAcquire, respond(s.handleAcquire)},
		{SubjectIdentifyRenew, respond(s.handleRenew)},
		{SubjectIdentifyRelease, respond(s.handleRelease)},
	}
	for _, sub := range subjects {
		nsub, err := conn.Subscribe(sub.subject, sub.handler)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.subs = append(s.subs, nsub)
	}
	return s, nil
}

// Close unsubscribes from every identify-lock subject.
func (s *IdentifyLockServer) Close() error {
	var firstErr error
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *IdentifyLockServer) handleAcquire(data []byte) ([]byte, error) {
	var req lockRequest
	if err := msgpack.Unmarshal(data, &req); err != nil {
		return nil, err
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	token := uuid.NewString()

	ctx := context.Background()
	ok, err := s.redis.SetNX(ctx, identifyKeyPrefix+req.Key, token, ttl).Result()
	if err != nil {
		s.log.Warning("identify lock acquire failed", sandwichlog.Data{"key": req.Key, "error": err.Error()})
		return msgpack.Marshal(lockResponse{OK: false, Error: err.Error()})
	}
	if !ok {
		return msgpack.Marshal(lockResponse{OK: false})
	}
	return msgpack.Marshal(lockResponse{OK: true, Token: token, ExpiresAt: time.Now().Add(ttl)})
}

func (s *IdentifyLockServer) handleRenew(data []byte) ([]byte, error) {
	var req lockRequest
	if err := msgpack.Unmarshal(data, &req); err != nil {
		return nil, err
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	ctx := context.Background()
	res, err := renewScript.Run(ctx, s.redis, []string{identifyKeyPrefix + req.Key}, req.Token, ttl.Milliseconds()).Int64()
	if err != nil {
		return msgpack.Marshal(lockResponse{OK: false, Error: err.Error()})
	}
	if res != 1 {
		return msgpack.Marshal(lockResponse{OK: false})
	}
	return msgpack.Marshal(lockResponse{OK: true, Token: req.Token, ExpiresAt: time.Now().Add(ttl)})
}

func (s *IdentifyLockServer) handleRelease(data []byte) ([]byte, error) {
	var req lockRequest
	if err := msgpack.Unmarshal(data, &req); err != nil {
		return nil, err
	}

	ctx := context.Background()
	res, err := releaseScript.Run(ctx, s.redis, []string{identifyKeyPrefix + req.Key}, req.Token).Int64()
	if err != nil {
		return msgpack.Marshal(lockResponse{OK: false, Error: err.Error()})
	}
	return msgpack.Marshal(lockResponse{OK: res == 1})
}
