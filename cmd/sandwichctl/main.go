// Command sandwichctl wires the core together: a rate-limit cache, a REST
// client, an identify gate and a set of shards run by one orchestrator. It
// generalizes Sandwich-Producer's own main.go (flags, signal handling, a
// console zerolog logger) to this module's components.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sandwichgg/sandwich/gateway"
	"github.com/sandwichgg/sandwich/orchestrator"
	"github.com/sandwichgg/sandwich/ratelimit"
	"github.com/sandwichgg/sandwich/rest"
	"github.com/sandwichgg/sandwich/rpc"
	"github.com/sandwichgg/sandwich/sandwichlog"
)

func main() {
	token := flag.String("token", "", "token the bot will use to authenticate")
	shardCount := flag.Int("shards", 0, "shard count to use (0 = ask the gateway)")
	intents := flag.Int("intents", 0, "gateway intents bitmask")
	natsAddress := flag.String("nats-address", "", "NATS address; leave empty to run without a shared coordinator")
	natsChannel := flag.String("nats-channel", "sandwich", "NATS Streaming channel dispatch events are published to")
	clusterID := flag.String("nats-cluster", "sandwich-cluster", "NATS Streaming cluster id")
	clientID := flag.String("nats-client", "sandwichctl", "NATS Streaming client id")
	flag.Parse()

	log := sandwichlog.NewConsole(os.Stdout)
	clog := log.With(sandwichlog.SourceClient)

	if *token == "" {
		clog.Fatal("no token supplied", nil, nil)
		os.Exit(1)
	}

	localCache := ratelimit.NewCache(ratelimit.WithLogger(log))

	var authorizer ratelimit.Authorizer = localCache
	var conn *nats.Conn

	if *natsAddress != "" {
		var err error
		conn, err = nats.Connect(*natsAddress)
		if err != nil {
			clog.Fatal("failed to connect to nats", err, nil)
			os.Exit(1)
		}
		authorizer = rpc.NewRateLimitCoordinatorClient(conn, 2*time.Second, rpc.WithFallback(localCache), rpc.WithRateLimitLogger(log))
	}

	restClient := rest.NewClient(*token, authorizer, rest.WithLogger(log))

	var identifyGate *gateway.IdentifyGate
	if conn != nil {
		lockClient := rpc.NewIdentifyLockClient(conn, 2*time.Second, 30*time.Second, log)
		identifyGate = gateway.NewIdentifyGate(5*time.Second, lockClient)
	} else {
		identifyGate = gateway.NewIdentifyGate(5 * time.Second)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var gatewayInfo orchestrator.GatewayBotResponse
	if err := restClient.FetchJSON(ctx, "GET", "/gateway/bot", nil, nil, &gatewayInfo); err != nil {
		clog.Fatal("failed to fetch recommended shard count", err, nil)
		os.Exit(1)
	}

	plan, err := orchestrator.ResolvePlan(nil, *shardCount, func(ctx context.Context) (*orchestrator.GatewayBotResponse, error) {
		return &gatewayInfo, nil
	}, ctx)
	if err != nil {
		clog.Fatal("failed to resolve shard plan", err, nil)
		os.Exit(1)
	}
	plan, err = orchestrator.PlanFromEnv(plan)
	if err != nil {
		clog.Fatal("failed to apply shard plan environment overrides", err, nil)
		os.Exit(1)
	}

	orch := orchestrator.New(orchestrator.Config{
		Token:         *token,
		Intents:       *intents,
		GatewayURL:    gatewayInfo.URL,
		Plan:          plan,
		IdentifyGate:  identifyGate,
		IgnoredEvents: []string{"PRESENCE_UPDATE", "TYPING_START"},
		NatsConn:      conn,
		ClusterID:     *clusterID,
		ClientID:      *clientID,
		NatsChannel:   *natsChannel,
		Sink: func(ev orchestrator.DispatchEvent) {
			clog.Debug("dispatch", sandwichlog.Data{"shard_id": ev.ShardID, "type": ev.Type})
		},
		Log: &log,
	})

	go func() {
		if err := orch.Start(ctx); err != nil {
			clog.Error("orchestrator stopped", err, nil)
		}
	}()

	clog.Info("sandwich is running, press ^C to stop", nil)

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM)
	<-sc

	cancel()
	time.Sleep(time.Second)
}
