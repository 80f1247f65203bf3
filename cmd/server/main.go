// cmd/server is the main entrypoint for a scrap-yard node.
//
// Configuration is entirely via flags so a single binary can run standalone
// or join a room with peers.
//
// Example — standalone node, no room yet:
//
//	./server --id node1 --addr :8088 --data-dir /var/scrapyard/node1
//
// Example — node that joins a room on startup:
//
//	./server --id node1 --addr :8088 --data-dir /tmp/n1 \
//	         --signaling-url wss://signal.example.com/ws --token ROOM-A
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kholbekj/scrap-yard/internal/api"
	"github.com/kholbekj/scrap-yard/internal/blobstore"
	"github.com/kholbekj/scrap-yard/internal/catalog"
	"github.com/kholbekj/scrap-yard/internal/crdtstore"
	"github.com/kholbekj/scrap-yard/internal/localhttp"
	"github.com/kholbekj/scrap-yard/internal/yardlog"
)

func main() {
	// ── Flags ──────────────────────────────────────────────────────────────
	nodeID := flag.String("id", "node1", "Unique node identifier")
	addr := flag.String("addr", ":8088", "Listen address (host:port)")
	dataDir := flag.String("data-dir", "/tmp/scrapyard", "Directory for the catalog DB, blob WAL and snapshots")
	signalingURL := flag.String("signaling-url", "", "Signaling server URL to join on startup (optional)")
	token := flag.String("token", "", "Room token, sent as the signaling URL's ?token= param")
	logLevel := flag.String("log-level", yardlog.InfoLevel, "Log level: debug|info|warn|error")
	jsonLogs := flag.Bool("json-logs", false, "Emit logs as JSON instead of console format")
	flag.Parse()

	yardlog.Init(yardlog.Config{Level: *logLevel, JSONOutput: *jsonLogs})
	log := yardlog.WithNode(yardlog.Component("server"), *nodeID)

	// ── Storage ────────────────────────────────────────────────────────────
	nodeDataDir := fmt.Sprintf("%s/%s", *dataDir, *nodeID)
	if err := os.MkdirAll(nodeDataDir, 0o755); err != nil {
		log.Fatal().Err(err).Msg("create data dir")
	}

	store, err := crdtstore.Open(nodeDataDir + "/" + catalog.DBName)
	if err != nil {
		log.Fatal().Err(err).Msg("open crdt store")
	}
	defer store.Close()

	blobs, err := blobstore.New(nodeDataDir + "/blobs")
	if err != nil {
		log.Fatal().Err(err).Msg("open blob store")
	}
	defer blobs.Close()

	cat, err := catalog.New(store)
	if err != nil {
		log.Fatal().Err(err).Msg("open catalog engine")
	}

	// ── Optional: join a room on startup ────────────────────────────────────
	connectCtx, connectCancel := context.WithTimeout(context.Background(), 15*time.Second)
	if *signalingURL != "" && *token == "" {
		log.Warn().Msg("--signaling-url set without --token, staying standalone")
	} else if *signalingURL != "" {
		if _, err := cat.Connect(connectCtx, *signalingURL, *token); err != nil {
			log.Error().Err(err).Msg("initial signaling connect failed, continuing standalone")
		} else {
			log.Info().Str("signaling_url", *signalingURL).Msg("joined room")
		}
	}
	connectCancel()

	// ── HTTP server ────────────────────────────────────────────────────────
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(api.Logger(log), api.Recovery(log))

	handler := api.NewHandler(cat, blobs, log)
	handler.Register(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"node":    *nodeID,
			"status":  "ok",
			"version": store.Version(),
		})
	})

	localFiles := localhttp.New(blobs)
	router.Any("/local/*path", gin.WrapH(localFiles))

	srv := &http.Server{
		Addr:         *addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// ── Graceful shutdown ──────────────────────────────────────────────────
	go func() {
		log.Info().Str("addr", *addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Background blob-store snapshot every 60 seconds; the CRDT store is
	// durable on every write, so only the blob WAL needs periodic compaction.
	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := blobs.Snapshot(); err != nil {
				log.Error().Err(err).Msg("blob snapshot failed")
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := blobs.Snapshot(); err != nil {
		log.Error().Err(err).Msg("final blob snapshot failed")
	}
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
}
