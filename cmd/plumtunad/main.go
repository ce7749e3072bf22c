package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/plumtuna/plumtuna/internal/clock"
	"github.com/plumtuna/plumtuna/internal/config"
	"github.com/plumtuna/plumtuna/internal/contact"
	"github.com/plumtuna/plumtuna/internal/executor"
	"github.com/plumtuna/plumtuna/internal/global"
	"github.com/plumtuna/plumtuna/internal/httpadapter"
	"github.com/plumtuna/plumtuna/internal/overlay"
	"github.com/plumtuna/plumtuna/internal/rpcbus"
	"github.com/plumtuna/plumtuna/internal/study"
	"github.com/plumtuna/plumtuna/internal/studyref"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	fmt.Printf("🚀 starting plumtunad, http :%d, rpc %s\n", cfg.HTTPPort, cfg.RPCAddr)
	if len(cfg.ContactServers) > 0 {
		fmt.Printf("🌱 contact candidates: %v\n", cfg.ContactServers)
	}

	localID := overlay.NodeID(cfg.RPCAddr)
	rpc := rpcbus.NewHTTPRpc()
	contactSvc := contact.New()
	pool := executor.New(logger)

	globalOverlayCfg := overlay.DefaultConfig()
	transport := overlay.NewTransport(localID, logger)
	globalOv := transport.Open("global", globalOverlayCfg)

	var gHandle *global.Handle
	spawner := makeSpawner(transport, pool, logger, func(id uuid.UUID) {
		gHandle.NotifyStudyNodeDown(id)
	})

	gNode, handle := global.New(global.Config{
		LocalID: localID,
		Overlay: globalOv,
		Rpc:     rpc,
		Clock:   clock.System{},
		Spawner: spawner,
		Logger:  logger,
	})
	gHandle = handle
	pool.Spawn("global-node", gNode.Run)

	contactSvc.Set(localID)

	if len(cfg.ContactServers) > 0 {
		bootstrapID, err := rpcbus.GetContactNodeIDWithRetry(context.Background(), rpc, cfg.ContactServers, 5)
		if err != nil {
			fmt.Printf("💀 failed to resolve a contact node: %v\n", err)
		} else {
			fmt.Printf("🤝 resolved contact node: %s\n", bootstrapID)
		}
	}

	adapter := httpadapter.NewServer(httpadapter.DefaultConfig(), gHandle, transport, contactSvc, logger)
	router := adapter.Router()

	apiAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	apiServer := &http.Server{Addr: apiAddr, Handler: router}
	rpcServer := &http.Server{Addr: cfg.RPCAddr, Handler: router}

	pool.Spawn("http-api", func(ctx context.Context) error {
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	pool.Spawn("rpc-listener", func(ctx context.Context) error {
		if err := rpcServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	fmt.Printf("🌐 study API listening on http://0.0.0.0%s\n", apiAddr)
	fmt.Printf("🗣️ peer RPC/gossip listening on http://%s\n", cfg.RPCAddr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	stdinClosed := make(chan struct{})
	if cfg.ExitIfStdinClose {
		go watchStdin(stdinClosed)
	}

	select {
	case <-sigChan:
		fmt.Printf("\n🛑 shutdown signal received, gracefully shutting down...\n")
	case <-stdinClosed:
		fmt.Printf("\n🛑 stdin closed, exiting as requested...\n")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
	_ = rpcServer.Shutdown(shutdownCtx)
	if err := pool.Shutdown(shutdownCtx); err != nil {
		fmt.Printf("⚠️ executor did not drain cleanly: %v\n", err)
	}

	fmt.Printf("✅ plumtunad shutdown complete\n")
}

// makeSpawner returns the global.Spawner closure hosting a StudyNode:
// opening the study's own gossip topic, optionally joining a bootstrap
// peer's overlay, constructing the study.Node, and scheduling its Run
// loop on the shared executor before handing back the Handle the
// GlobalNode stores in its StudyId -> Handle map.
func makeSpawner(transport *overlay.Transport, pool *executor.Pool, logger zerolog.Logger, onDown func(uuid.UUID)) global.Spawner {
	return func(ref studyref.NameAndID, bootstrap *overlay.NodeID) *study.Handle {
		topic := ref.ID.String()
		ov := transport.Open(topic, overlay.DefaultConfig())
		if bootstrap != nil {
			ov.Join(*bootstrap, string(*bootstrap))
		}

		node, handle := study.New(study.Config{
			ID:      ref.ID,
			Name:    ref.Name,
			Overlay: ov,
			Clock:   clock.System{},
			Logger:  logger,
			OnDown:  onDown,
		})

		pool.Spawn("study-"+topic, node.Run)
		return handle
	}
}

func watchStdin(closed chan<- struct{}) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
	}
	close(closed)
}
