// Main package for the default routebus hub: an in-memory bus whose "Remote"
// address is reachable from peers over WebSocket and KCP.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sessamekesh/routebus/internal/config"
	"github.com/sessamekesh/routebus/internal/observability"
	"github.com/sessamekesh/routebus/internal/readiness"
	"github.com/sessamekesh/routebus/pkg/codec"
	"github.com/sessamekesh/routebus/pkg/message"
	"github.com/sessamekesh/routebus/pkg/metadata"
	"github.com/sessamekesh/routebus/pkg/router"
	"github.com/sessamekesh/routebus/pkg/transport"
	"github.com/sessamekesh/routebus/pkg/transport/memory"
	"github.com/sessamekesh/routebus/pkg/tunnel/kcptunnel"
	"github.com/sessamekesh/routebus/pkg/tunnel/wstunnel"
	utils "github.com/sessamekesh/routebus/pkg/util"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const systemModule = "System"

// registerSystemHandlers is the hub's own module: a liveness probe and a
// peer count report.
func registerSystemHandlers(t transport.Transport, hub *wstunnel.Hub) {
	t.On("PING", func(ctx context.Context, msg *message.Message) (any, error) {
		return "PONG", nil
	})
	t.On("System.peers", func(ctx context.Context, msg *message.Message) (any, error) {
		count := 0
		if hub != nil {
			count = hub.PeerCount()
		}
		return map[string]int{"websocket": count}, nil
	})
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		zap.Must(zap.NewDevelopment()).Warn("Failed to read .env file", zap.Error(err))
	}

	//
	// Flags
	configPath := flag.String("config", "", "Path to a routebus YAML config file")
	useWebsockets := flag.Bool("websockets", true, "Set to false to disable the WebSocket tunnel")
	useKcp := flag.Bool("kcp", false, "Set to true to enable the KCP tunnel")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zap.Must(zap.NewDevelopment()).Fatal("Failed to load config", zap.Error(err))
	}
	cfg.WebSocket.Enable = cfg.WebSocket.Enable && *useWebsockets
	cfg.Kcp.Enable = cfg.Kcp.Enable || *useKcp

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		zap.Must(zap.NewDevelopment()).Fatal("Failed to set up logger", zap.Error(err))
	}
	defer logger.Sync()
	logger = logger.With(zap.String("app", cfg.AppName))

	//
	// Bus setup
	registry, err := codec.NewRegistry()
	if err != nil {
		logger.Fatal("Failed to build codec registry", zap.Error(err))
	}
	wireCodec, err := registry.Lookup(cfg.Bus.Codec)
	if err != nil {
		logger.Fatal("Unknown codec", zap.Error(err))
	}

	ids := utils.CreateIdGenerator(utils.CreateRandomStringGenerator(time.Now().UnixNano()))
	bus := memory.CreateMemoryTransport(memory.MemoryTransportParams{
		Name:              cfg.AppName,
		InboxSize:         cfg.Bus.InboxSize,
		DefaultRpcTimeout: cfg.Bus.RpcTimeout(),
		Codec:             wireCodec,
		Pipeline: metadata.DefaultPipeline(metadata.DefaultPipelineParams{
			NewTransactionID:       ids.NextId,
			MaxTransactionDuration: cfg.Bus.MaxTransactionDuration(),
		}),
		Logger: logger,
	})

	shutdownCtx, shutdownRelease := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer shutdownRelease()

	if err := bus.Init(shutdownCtx); err != nil {
		logger.Fatal("Failed to init bus", zap.Error(err))
	}

	//
	// Tunnels
	var hops []router.NextHop
	var hub *wstunnel.Hub
	var kcpListener *kcptunnel.Listener

	if cfg.WebSocket.Enable {
		hub = wstunnel.CreateHub(wstunnel.HubParams{
			ListenAddress:    cfg.WebSocket.Listen,
			ListenEndpoint:   cfg.WebSocket.Endpoint,
			AllowAllHosts:    cfg.WebSocket.AllowAllHosts,
			AllowlistedHosts: cfg.WebSocket.AllowlistedHosts,
			DenylistedHosts:  cfg.WebSocket.DenylistedHosts,
			IdQueryParam:     cfg.WebSocket.IdQueryParam,
			ExampleIDKey:     cfg.WebSocket.ExampleIDKey,
			MaxConnections:   cfg.WebSocket.MaxConnections,
			IdleTimeout:      time.Duration(cfg.WebSocket.IdleTimeoutMS) * time.Millisecond,
			Codec:            wireCodec,
			Logger:           logger,
		})
		hops = append(hops, hub)
	}

	if cfg.Kcp.Enable {
		kcpListener, err = kcptunnel.Listen(kcptunnel.ListenerParams{
			ListenAddress: cfg.Kcp.Listen,
			DataShards:    cfg.Kcp.DataShards,
			ParityShards:  cfg.Kcp.ParityShards,
			ExampleIDKey:  cfg.Kcp.ExampleIDKey,
			Codec:         wireCodec,
			Logger:        logger,
		})
		if err != nil {
			logger.Fatal("Failed to create KCP listener", zap.Error(err))
		}
		hops = append(hops, kcpListener)
	}

	//
	// Modules
	latch, err := readiness.CreateLatch(systemModule, "Router")
	if err != nil {
		logger.Fatal("Failed to create readiness latch", zap.Error(err))
	}

	registerSystemHandlers(bus, hub)
	if err := latch.Done(systemModule); err != nil {
		logger.Fatal("Readiness latch rejected module", zap.Error(err))
	}

	var rtr *router.Router
	if len(hops) > 0 {
		rtr, err = router.CreateRouter(router.RouterParams{
			LocalRouteAddress: cfg.Bus.LocalRouteAddress,
			Transport:         bus,
			NextHops:          hops,
			RpcTimeout:        cfg.Bus.RouterRpcTimeout(),
			JoinSymbol:        cfg.Bus.JoinSymbol,
			Logger:            logger,
		})
		if err != nil {
			logger.Fatal("Failed to create router", zap.Error(err))
		}
	}
	if err := latch.Done("Router"); err != nil {
		logger.Fatal("Readiness latch rejected module", zap.Error(err))
	}

	readyCtx, readyRelease := context.WithTimeout(shutdownCtx, 10*time.Second)
	err = latch.Wait(readyCtx)
	readyRelease()
	if err != nil {
		logger.Fatal("Modules never became ready", zap.Error(err))
	}

	//
	// Run
	wg := sync.WaitGroup{}

	if err := bus.Start(shutdownCtx); err != nil {
		logger.Fatal("Failed to start bus", zap.Error(err))
	}

	if hub != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hub.Start(shutdownCtx)
		}()
	}

	if kcpListener != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := kcpListener.Serve(shutdownCtx); err != nil {
				logger.Error("KCP listener stopped unexpectedly", zap.Error(err))
			}
		}()
	}

	logger.Info("routebus hub running", zap.Int("nextHops", len(hops)), zap.String("address", cfg.Bus.LocalRouteAddress))
	<-shutdownCtx.Done()
	logger.Info("Shutting down")

	if rtr != nil {
		rtr.Close()
	}
	wg.Wait()

	var shutdownErr error
	if hub != nil {
		shutdownErr = multierr.Append(shutdownErr, hub.Close())
	}
	if kcpListener != nil {
		shutdownErr = multierr.Append(shutdownErr, kcpListener.Close())
	}
	shutdownErr = multierr.Append(shutdownErr, bus.Dispose())
	if shutdownErr != nil {
		logger.Error("Errors during shutdown", zap.Error(shutdownErr))
	}
}
