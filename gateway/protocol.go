package gateway

import (
	"runtime"

	jsoniter "github.com/json-iterator/go"
)

// Gateway opcodes, matching Session.onEvent's op switch in the teacher.
const (
	opDispatch            = 0
	opHeartbeat           = 1
	opIdentify            = 2
	opPresenceUpdate      = 3
	opVoiceStateUpdate    = 4
	opResume              = 6
	opReconnect           = 7
	opRequestGuildMembers = 8
	opInvalidSession      = 9
	opHello               = 10
	opHeartbeatAck        = 11
)

// envelope is the {op,d,s,t} frame every gateway message is wrapped in.
type envelope struct {
	Op        int             `json:"op"`
	Data      jsoniter.RawMessage `json:"d"`
	Sequence  *int64          `json:"s"`
	EventName string          `json:"t"`
}

type helloPayload struct {
	HeartbeatIntervalMs int `json:"heartbeat_interval"`
}

type identifyProperties struct {
	OS      string `json:"$os"`
	Browser string `json:"$browser"`
	Device  string `json:"$device"`
}

type identifyPayload struct {
	Token          string             `json:"token"`
	Properties     identifyProperties `json:"properties"`
	Compress       bool               `json:"compress"`
	LargeThreshold int                `json:"large_threshold"`
	Shard          [2]int             `json:"shard"`
	Intents        int                `json:"intents"`
}

func newIdentifyPayload(token string, shardID, shardCount, intents int) identifyPayload {
	return identifyPayload{
		Token: token,
		Properties: identifyProperties{
			OS:      runtime.GOOS,
			Browser: "sandwich",
			Device:  "sandwich",
		},
		Compress:       true,
		LargeThreshold: 250,
		Shard:          [2]int{shardID, shardCount},
		Intents:        intents,
	}
}

type resumePayload struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// sentFrame is the outbound {op,d} envelope.
type sentFrame struct {
	Op   int         `json:"op"`
	Data interface{} `json:"d"`
}
