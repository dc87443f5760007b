// Command agui-server exposes the agents declared in a configuration file
// over HTTP. Runs stream their events as Server-Sent Events.
//
// # Configuration
//
// Environment variables:
//
//	AGUI_HTTP_ADDR             - HTTP listen address (default: ":8080")
//	AGUI_CONFIG                - Agents and tools configuration file (default: "agui.yaml")
//	AGUI_MAX_TOOL_CONCURRENCY  - Concurrent tool handlers per turn (default: 4)
//	AGUI_MAX_TURNS             - Agent turns per run (default: 10)
//	AGUI_SHUTDOWN_TIMEOUT      - Graceful shutdown timeout (default: "30s")
//	REDIS_URL                  - Redis address enabling event fan-out (optional)
//	REDIS_PASSWORD             - Redis password (optional)
//	MONGO_URI                  - MongoDB URI enabling the durable run log (optional)
//	MONGO_DATABASE             - MongoDB database (default: "agui")
//	ANTHROPIC_API_KEY          - Key used by anthropic agents
//	OPENAI_API_KEY             - Key used by openai agents
//	AWS_REGION                 - Region used by bedrock agents
//
// # Example
//
//	AGUI_CONFIG=agents.yaml ANTHROPIC_API_KEY=... go run ./cmd/agui-server -debug
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"

	runlogmongo "goa.design/agui/features/runlog/mongo"
	clientsmongo "goa.design/agui/features/runlog/mongo/clients/mongo"
	"goa.design/agui/features/stream/pulse"
	clientspulse "goa.design/agui/features/stream/pulse/clients/pulse"
	"goa.design/agui/runtime/runlog"
	"goa.design/agui/runtime/runlog/inmem"
	"goa.design/agui/runtime/runtime"
	"goa.design/agui/runtime/telemetry"
)

func main() {
	dbgF := flag.Bool("debug", false, "Log request and response bodies")
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx, *dbgF); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context, dbg bool) error {
	addr := envOr("AGUI_HTTP_ADDR", ":8080")
	cfgPath := envOr("AGUI_CONFIG", "agui.yaml")
	redisURL := os.Getenv("REDIS_URL")
	mongoURI := os.Getenv("MONGO_URI")
	shutdownTimeout := envDurationOr("AGUI_SHUTDOWN_TIMEOUT", 30*time.Second)

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}

	var (
		logger  = telemetry.NewClueLogger()
		metrics = telemetry.NewClueMetrics()
		tracer  = telemetry.NewClueTracer()
		pingers []health.Pinger
	)

	agents, err := cfg.buildAgents(ctx, credentials{
		AnthropicKey: os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIKey:    os.Getenv("OPENAI_API_KEY"),
		AWSRegion:    os.Getenv("AWS_REGION"),
	}, metrics)
	if err != nil {
		return err
	}
	reg, err := cfg.buildRegistry()
	if err != nil {
		return err
	}

	var store runlog.Store = inmem.New()
	if mongoURI != "" {
		mc, err := mongodriver.Connect(options.Client().ApplyURI(mongoURI))
		if err != nil {
			return fmt.Errorf("connect to mongo: %w", err)
		}
		defer func() {
			if err := mc.Disconnect(context.Background()); err != nil {
				log.Printf(ctx, "disconnect mongo: %v", err)
			}
		}()
		cli, err := clientsmongo.New(clientsmongo.Options{Client: mc, Database: envOr("MONGO_DATABASE", "agui")})
		if err != nil {
			return err
		}
		ms, err := runlogmongo.NewStore(cli)
		if err != nil {
			return err
		}
		store = ms
		pingers = append(pingers, ms)
	}

	opts := []runtime.Option{
		runtime.WithRegistry(reg),
		runtime.WithRunLog(store),
		runtime.WithMaxToolConcurrency(envIntOr("AGUI_MAX_TOOL_CONCURRENCY", 4)),
		runtime.WithMaxTurns(envIntOr("AGUI_MAX_TURNS", 10)),
		runtime.WithLogger(logger),
		runtime.WithMetrics(metrics),
		runtime.WithTracer(tracer),
	}

	var sub *pulse.Subscriber
	if redisURL != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     redisURL,
			Password: os.Getenv("REDIS_PASSWORD"),
		})
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Printf(ctx, "close redis: %v", err)
			}
		}()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		pc, err := clientspulse.New(clientspulse.Options{Redis: rdb, StreamMaxLen: 10000})
		if err != nil {
			return err
		}
		b, err := pulse.NewBroadcaster(pc)
		if err != nil {
			return err
		}
		defer func() { _ = b.Close(context.Background()) }()
		if sub, err = b.NewSubscriber(pulse.SubscriberOptions{}); err != nil {
			return err
		}
		opts = append(opts, runtime.WithBroadcast(b))
		pingers = append(pingers, pc)
	}

	srv := &server{
		rt:      runtime.New(opts...),
		agents:  agents,
		runLog:  store,
		sub:     sub,
		pingers: pingers,
	}
	for _, ac := range cfg.Agents {
		log.Print(ctx, log.KV{K: "agent", V: ac.ID}, log.KV{K: "provider", V: ac.Provider})
	}

	errc := make(chan error, 2)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)
	handleHTTPServer(ctx, addr, newHandler(ctx, srv, dbg), shutdownTimeout, &wg, errc)

	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()
	wg.Wait()
	log.Printf(ctx, "exited")
	return nil
}

// envOr returns the environment variable or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// envDurationOr returns the environment variable as duration or a default.
func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
