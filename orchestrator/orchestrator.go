package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/stan.go"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/sandwichgg/sandwich/gateway"
	"github.com/sandwichgg/sandwich/sandwichlog"
)

// Config configures an Orchestrator. It generalizes Sandwich-Producer's
// Manager/Configuration pair (root manager.go): shard plan, the two event
// filters (IgnoredEvents/ProducerBlacklist), and the startup-window knobs
// spec.md's component I adds on top of the teacher's simpler "forward
// everything not ignored" model.
type Config struct {
	Token      string
	Intents    int
	GatewayURL string
	Plan       Plan

	IdentifyGate *gateway.IdentifyGate

	// IgnoredEvents are dropped before reaching any sink, in-process or
	// external, exactly like the teacher's Configuration.IgnoredEvents.
	IgnoredEvents []string

	// ProducerBlacklist are delivered to the in-process Sink but withheld
	// from the external NATS Streaming publish, like the teacher's
	// Configuration.ProducerBlacklist.
	ProducerBlacklist []string

	// EventNameRemap rewrites an event's name before it reaches the sink
	// or the external publish, after blacklist checks have already used
	// the original name.
	EventNameRemap map[string]string

	AllowEventsDuringStartup  bool
	UnavailableGuildTolerance int
	UnavailableGuildWait      time.Duration

	LoginTick time.Duration

	Sink Sink

	NatsConn    *nats.Conn
	ClusterID   string
	ClientID    string
	NatsChannel string

	Log *sandwichlog.Logger
}

// Orchestrator owns shard planning, the login queue, and startup/fan-out
// bookkeeping — component I of the specification.
type Orchestrator struct {
	cfg Config
	log sandwichlog.SourceLogger

	shards   map[int]*gateway.Shard
	startups map[int]*shardStartup

	loginQueue chan int

	mu              sync.Mutex
	lastDequeue     time.Time
	completedShards int

	stanConn stan.Conn

	globalStartupOnce sync.Once
}

// New builds an Orchestrator and its shards, but does not start anything.
func New(cfg Config) *Orchestrator {
	if cfg.LoginTick <= 0 {
		cfg.LoginTick = time.Second
	}
	if cfg.Sink == nil {
		cfg.Sink = func(DispatchEvent) {}
	}
	if cfg.Log == nil {
		console := sandwichlog.NewConsole(nil)
		cfg.Log = &console
	}

	o := &Orchestrator{
		cfg:        cfg,
		log:        cfg.Log.With(sandwichlog.SourceGateway),
		shards:     make(map[int]*gateway.Shard, len(cfg.Plan.ShardIDs)),
		startups:   make(map[int]*shardStartup, len(cfg.Plan.ShardIDs)),
		loginQueue: make(chan int, len(cfg.Plan.ShardIDs)),
	}

	for _, id := range cfg.Plan.ShardIDs {
		shardID := id
		o.startups[shardID] = &shardStartup{}
		o.shards[shardID] = gateway.NewShard(gateway.Config{
			Token:        cfg.Token,
			ShardID:      shardID,
			ShardCount:   cfg.Plan.ShardCount,
			Intents:      cfg.Intents,
			GatewayURL:   cfg.GatewayURL,
			IdentifyGate: cfg.IdentifyGate,
			Dispatch:     o.handleDispatch,
			Log:          cfg.Log,
		})
	}

	return o
}

// Start connects the NATS Streaming producer (if configured), enqueues every
// shard for login, and runs the login-queue ticker until ctx is done.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.cfg.NatsConn != nil {
		sc, err := stan.Connect(o.cfg.ClusterID, o.cfg.ClientID, stan.NatsConn(o.cfg.NatsConn))
		if err != nil {
			return err
		}
		o.stanConn = sc
	}

	for id := range o.shards {
		o.loginQueue <- id
	}

	if o.cfg.UnavailableGuildTolerance > 0 && o.cfg.UnavailableGuildWait > 0 {
		go o.runToleranceSweep(ctx)
	}

	ticker := time.NewTicker(o.cfg.LoginTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.tryDequeue(ctx)
		}
	}
}

// runToleranceSweep periodically checks every shard still in its startup
// window for the optional unavailable-guild relaxation. It runs on its own
// timer, independent of the login-queue ticker's cadence, since a shard can
// need this check long after it has finished logging in.
func (o *Orchestrator) runToleranceSweep(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.UnavailableGuildWait / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sweepTolerances()
		}
	}
}

// tryDequeue runs at most one shard's state machine per tick, and only when
// no other shard is mid-identify/mid-resume, per the login-queue rule.
func (o *Orchestrator) tryDequeue(ctx context.Context) {
	select {
	case id := <-o.loginQueue:
		o.mu.Lock()
		guardElapsed := time.Since(o.lastDequeue) >= o.cfg.LoginTick
		o.mu.Unlock()

		if o.anyShardHandshaking() || !guardElapsed {
			o.loginQueue <- id
			return
		}

		o.mu.Lock()
		o.lastDequeue = time.Now()
		o.mu.Unlock()

		shard := o.shards[id]
		go func() {
			if err := shard.Run(ctx); err != nil {
				o.log.Error("shard exited", err, sandwichlog.Data{"shard_id": id})
			}
		}()
	default:
	}
}

// anyShardHandshaking reports whether a launched shard is currently in
// Identifying or Resuming, which blocks the next dequeue per the login-queue
// rule. Shards that haven't been launched yet report StateIdle, which never
// blocks dequeue.
func (o *Orchestrator) anyShardHandshaking() bool {
	for _, shard := range o.shards {
		switch shard.State() {
		case gateway.StateIdentifying, gateway.StateResuming:
			return true
		}
	}
	return false
}

// handleDispatch is passed to every gateway.Shard as its DispatchFunc. It
// implements component I's startup counting and event fan-out.
func (o *Orchestrator) handleDispatch(shardID int, eventName string, seq int64, data []byte) {
	if belongsToList(o.cfg.IgnoredEvents, eventName) {
		return
	}

	startup := o.startups[shardID]

	switch eventName {
	case "READY":
		var payload readyPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			o.log.Warning("failed to parse READY payload", sandwichlog.Data{"shard_id": shardID, "error": err.Error()})
		}
		if startup.begin(len(payload.Guilds)) {
			o.emitShardStartupComplete(shardID)
		}
	case "GUILD_CREATE":
		if startup.inWindow() {
			if startup.onGuildCreate() {
				o.emitShardStartupComplete(shardID)
			}
			return
		}
	}

	if startup.inWindow() && !o.cfg.AllowEventsDuringStartup {
		return
	}

	o.forward(shardID, eventName, seq, data)
}

// forward applies the name remap and both blacklists, then delivers to the
// in-process sink and (unless producer-blacklisted) the external bus.
func (o *Orchestrator) forward(shardID int, eventName string, seq int64, data []byte) {
	emittedName := eventName
	if remapped, ok := o.cfg.EventNameRemap[eventName]; ok {
		emittedName = remapped
	}

	ev := DispatchEvent{ShardID: shardID, Type: emittedName, Sequence: seq, Data: data}
	o.cfg.Sink(ev)

	if belongsToList(o.cfg.ProducerBlacklist, eventName) {
		return
	}
	o.publishExternal(ev)
}

func (o *Orchestrator) publishExternal(ev DispatchEvent) {
	if o.stanConn == nil {
		return
	}

	payload, err := msgpack.Marshal(ev)
	if err != nil {
		o.log.Warning("failed to marshal stream event", sandwichlog.Data{"type": ev.Type, "error": err.Error()})
		return
	}
	if err := o.stanConn.Publish(o.cfg.NatsChannel, payload); err != nil {
		o.log.Warning("failed to publish stream event", sandwichlog.Data{"type": ev.Type, "error": err.Error()})
	}
}

// emitShardStartupComplete notifies the sink a shard finished its startup
// window and checks whether every shard now has.
func (o *Orchestrator) emitShardStartupComplete(shardID int) {
	o.cfg.Sink(DispatchEvent{ShardID: shardID, Type: "SHARD_STARTUP_COMPLETE"})

	o.mu.Lock()
	o.completedShards++
	allDone := o.completedShards >= len(o.shards)
	o.mu.Unlock()

	if allDone {
		o.globalStartupOnce.Do(func() {
			o.cfg.Sink(DispatchEvent{ShardID: -1, Type: "STARTUP_COMPLETE"})
		})
	}
}

// sweepTolerances runs the optional unavailable-guild relaxation across all
// shards. runToleranceSweep calls it on its own ticker, independent of the
// login-queue ticker's cadence.
func (o *Orchestrator) sweepTolerances() {
	if o.cfg.UnavailableGuildTolerance <= 0 || o.cfg.UnavailableGuildWait <= 0 {
		return
	}
	for shardID, s := range o.startups {
		if s.checkTolerance(o.cfg.UnavailableGuildTolerance, o.cfg.UnavailableGuildWait) {
			o.emitShardStartupComplete(shardID)
		}
	}
}
