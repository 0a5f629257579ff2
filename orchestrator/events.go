package orchestrator

import (
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DispatchEvent is what the orchestrator hands to the in-process sink and,
// separately, msgpack-encodes onto the NATS Streaming channel. It mirrors
// the teacher's StreamEvent (manager.go's ForwardProduce/ForwardEvents),
// generalized with the shard id the event came from.
type DispatchEvent struct {
	ShardID  int                 `msgpack:"shard_id"`
	Type     string              `msgpack:"type"`
	Sequence int64               `msgpack:"sequence"`
	Data     jsoniter.RawMessage `msgpack:"data"`
}

// Sink receives every dispatch event the orchestrator decides to forward
// in-process, after startup suppression and event-name remap have applied.
type Sink func(DispatchEvent)

// belongsToList mirrors the teacher's belongsToList helper in utils.go.
func belongsToList(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}
