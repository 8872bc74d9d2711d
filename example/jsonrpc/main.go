package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/mnehpets/rpcpeer/jsonrpc"
	"github.com/mnehpets/rpcpeer/stream"
)

type config struct {
	Addr        string
	StreamAddr  string
	StreamCodec string
	LogLevel    zerolog.Level
	FaultCode   int
	RateLimit   float64
	RateBurst   int
}

func loadConfig() (config, error) {
	cfg := config{
		Addr:        envOr("RPC_ADDR", ":8080"),
		StreamAddr:  os.Getenv("RPC_STREAM_ADDR"),
		StreamCodec: envOr("RPC_STREAM_CODEC", "json"),
	}
	var err error
	if cfg.LogLevel, err = zerolog.ParseLevel(envOr("RPC_LOG_LEVEL", "info")); err != nil {
		return cfg, err
	}
	if cfg.FaultCode, err = strconv.Atoi(envOr("RPC_FAULT_CODE", strconv.Itoa(jsonrpc.CodeServerError))); err != nil {
		return cfg, err
	}
	if cfg.RateLimit, err = strconv.ParseFloat(envOr("RPC_RATE_LIMIT", "0"), 64); err != nil {
		return cfg, err
	}
	if cfg.RateBurst, err = strconv.Atoi(envOr("RPC_RATE_BURST", "10")); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// MathMethods are discovered by reflection as "math.Add" and "math.Sub".
type MathMethods struct{}

type AddParams struct {
	A int `json:"a"`
	B int `json:"b"`
}

func (m *MathMethods) Add(ctx context.Context, p AddParams) (int, error) {
	return p.A + p.B, nil
}

type SubParams struct {
	Minuend    int `json:"minuend"`
	Subtrahend int `json:"subtrahend"`
}

func (m *MathMethods) Sub(ctx context.Context, p SubParams) (int, error) {
	return p.Minuend - p.Subtrahend, nil
}

func buildRegistry(logger zerolog.Logger) (*jsonrpc.Registry, error) {
	maxTweet := 280
	tweetSchema, err := jsonrpc.JSONSchema(&jsonschema.Schema{Type: "string", MaxLength: &maxTweet})
	if err != nil {
		return nil, err
	}

	return jsonrpc.NewRegistryBuilder().
		RegisterReceiver("math", &MathMethods{}).
		Register("sum", jsonrpc.MethodSpec{
			Params: jsonrpc.TypeOf[[]float64](),
			Result: jsonrpc.TypeOf[float64](),
			Handler: jsonrpc.Typed(func(ctx context.Context, nums []float64) (float64, error) {
				var total float64
				for _, n := range nums {
					total += n
				}
				return total, nil
			}),
		}).
		Register("tweet", jsonrpc.MethodSpec{
			Params: tweetSchema,
			Handler: jsonrpc.Typed(func(ctx context.Context, msg string) (interface{}, error) {
				logger.Info().Str("tweet", msg).Msg("tweet received")
				return nil, nil
			}),
		}).
		Register("ping", jsonrpc.MethodSpec{
			Params: jsonrpc.NoParams(),
			Handler: func(ctx context.Context, _ interface{}) (interface{}, error) {
				return "pong", nil
			},
		}).
		Register("crash", jsonrpc.MethodSpec{
			Params: jsonrpc.NoParams(),
			Handler: func(ctx context.Context, _ interface{}) (interface{}, error) {
				return nil, errors.New("crash requested")
			},
		}).
		Build()
}

func newPeer(cfg config, reg *jsonrpc.Registry, logger zerolog.Logger, name string) *jsonrpc.Peer {
	mw := []jsonrpc.Middleware{jsonrpc.LoggingMiddleware(logger)}
	if cfg.RateLimit > 0 {
		mw = append(mw, jsonrpc.RateLimitMiddleware(rate.Limit(cfg.RateLimit), cfg.RateBurst))
	}
	return jsonrpc.NewPeer(
		jsonrpc.WithRegistry(reg),
		jsonrpc.WithLogger(logger.With().Str("peer", name).Logger()),
		jsonrpc.WithName(name),
		jsonrpc.WithFaultCode(cfg.FaultCode),
		jsonrpc.WithMiddleware(mw...),
	)
}

// serveStream accepts connections and serves each with its own peer.
func serveStream(ctx context.Context, ln net.Listener, cfg config, reg *jsonrpc.Registry, logger zerolog.Logger) {
	codec, err := stream.CodecByName(cfg.StreamCodec)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid stream codec")
	}
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				logger.Error().Err(err).Msg("accept failed")
			}
			return
		}
		connLog := logger.With().Str("remote", nc.RemoteAddr().String()).Logger()
		conn := stream.NewConn(nc, newPeer(cfg, reg, connLog, "stream"), stream.WithCodec(codec), stream.WithLogger(connLog))
		go func() {
			defer conn.Close()
			if err := conn.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
				connLog.Warn().Err(err).Msg("connection ended")
			}
		}()
	}
}

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if err := godotenv.Load(); err != nil {
		logger.Info().Msg("no .env file found, using environment variables")
	}

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	logger = logger.Level(cfg.LogLevel)

	reg, err := buildRegistry(logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build registry")
	}
	logger.Info().Strs("methods", reg.Methods()).Msg("registry built")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.StreamAddr != "" {
		ln, err := net.Listen("tcp", cfg.StreamAddr)
		if err != nil {
			logger.Fatal().Err(err).Msg("stream listen failed")
		}
		go func() {
			<-ctx.Done()
			ln.Close()
		}()
		logger.Info().Str("addr", cfg.StreamAddr).Str("codec", cfg.StreamCodec).Msg("serving stream")
		go serveStream(ctx, ln, cfg, reg, logger)
	}

	mux := http.NewServeMux()
	mux.Handle("/rpc", jsonrpc.NewHTTPHandler(newPeer(cfg, reg, logger, "http")))
	srv := &http.Server{Addr: cfg.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", cfg.Addr).Msg("serving HTTP on /rpc")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server failed")
	}
}
