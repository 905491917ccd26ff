// Command server runs the Outpost world server: the WebSocket session
// gateway, the HTTP control surface, the world arbiter(s), the respawn
// ticker, and (when a shared KV is configured) the leader-elected furnace
// worker.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/outpostgame/worldserver/internal/auth"
	"github.com/outpostgame/worldserver/internal/chest"
	"github.com/outpostgame/worldserver/internal/clockrng"
	"github.com/outpostgame/worldserver/internal/config"
	"github.com/outpostgame/worldserver/internal/forge"
	"github.com/outpostgame/worldserver/internal/httpapi"
	"github.com/outpostgame/worldserver/internal/identity"
	"github.com/outpostgame/worldserver/internal/lockservice"
	"github.com/outpostgame/worldserver/internal/playerstate"
	"github.com/outpostgame/worldserver/internal/session"
	"github.com/outpostgame/worldserver/internal/store"
	"github.com/outpostgame/worldserver/internal/world"
)

var worldIDPattern = regexp.MustCompile(`^world-[a-z0-9-]+$`)

// app wires every component together and owns the lazily-created per-world
// arbiters, so a worldId seen for the first time on a WS join comes into
// being the same way a chunk comes into being on first touch.
type app struct {
	cfg *config.Config

	chunks   *world.Store
	registry *world.Registry
	respawn  *world.RespawnScheduler
	forges   *forge.Service
	chests   *chest.Service
	gateway  *session.Gateway

	arbitersMu sync.Mutex
	arbiters   map[string]context.CancelFunc
}

// ensureWorld is the gateway's world factory: it validates worldID, and if
// it hasn't been seen before, builds its serial arbiter, registers it with
// the gateway, and starts its processing goroutine.
func (a *app) ensureWorld(worldID string) bool {
	if !worldIDPattern.MatchString(worldID) {
		return false
	}

	a.arbitersMu.Lock()
	defer a.arbitersMu.Unlock()
	if _, ok := a.arbiters[worldID]; ok {
		return true
	}

	arbiter := world.NewArbiter(worldID, a.cfg.WorldEventRadius, a.chunks, a.registry, a.respawn, a.gateway.PositionLookup(worldID), a.chests, a.forges)
	a.gateway.RegisterWorld(worldID, arbiter, a.chunks)

	ctx, cancel := context.WithCancel(context.Background())
	go arbiter.Run(ctx)
	a.arbiters[worldID] = cancel
	log.Printf("world: %s online (arbiter started)", worldID)
	return true
}

func (a *app) stopWorlds() {
	a.arbitersMu.Lock()
	defer a.arbitersMu.Unlock()
	for id, cancel := range a.arbiters {
		cancel()
		log.Printf("world: %s arbiter stopped", id)
	}
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	cfg.LogConfig()

	log.Printf("Outpost world server starting up...")

	db, err := store.Open(cfg)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}

	clock := clockrng.SystemClock{}

	verifier, err := auth.NewVerifier(cfg.WSAuthSecret, time.Duration(cfg.TokenTTLMins)*time.Minute)
	if err != nil {
		log.Fatalf("Failed to build token verifier: %v", err)
	}

	var kv lockservice.KV
	if cfg.HasSharedKV() {
		opts, err := redis.ParseURL(cfg.SharedRedisURL)
		if err != nil {
			log.Fatalf("Failed to parse SHARED_REDIS_URL: %v", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("Failed to reach shared Redis: %v", err)
		}
		kv = &lockservice.RedisKV{Client: client}
		log.Println("Lock service backend: Redis (leader election enabled)")
	} else {
		kv = lockservice.NewMemKV()
		log.Println("Lock service backend: in-memory (degraded mode, no background furnace worker)")
	}
	locks := lockservice.New(kv)

	identityRepo := store.NewIdentityRepo(db)
	identitySvc := identity.NewService(identityRepo, verifier, clock, cfg.EnableMFA)

	playerRepo := store.NewPlayerStateRepo(db)
	playerSvc := playerstate.NewService(playerRepo, clock)

	forgeRepo := store.NewForgeRepo(db)
	forgeSvc := forge.NewService(forgeRepo, locks, clock)

	chestRepo := store.NewChestRepo(db)
	chestSvc := chest.NewService(chestRepo, locks, clock)

	gateway := session.NewGateway(verifier, cfg.WorldEventRadius)

	chunkRepo := store.NewChunkRepo(db)
	chunks := world.NewStore(chunkRepo, gateway.OnChunkDelta)
	registry := world.NewRegistry()
	respawn := world.NewRespawnScheduler(chunks, clock)

	a := &app{
		cfg:      cfg,
		chunks:   chunks,
		registry: registry,
		respawn:  respawn,
		forges:   forgeSvc,
		chests:   chestSvc,
		gateway:  gateway,
		arbiters: make(map[string]context.CancelFunc),
	}
	gateway.SetWorldFactory(a.ensureWorld)

	ctx, cancelBackground := context.WithCancel(context.Background())

	go respawn.Run(ctx, time.Second)
	go gateway.BroadcastSnapshots(ctx, cfg.SnapshotHz)
	if cfg.HasSharedKV() {
		go forgeSvc.RunWorker(ctx, cfg.ForgeWorkerScanLimit, time.Second)
	}

	httpSrv := httpapi.NewServer(identitySvc, playerSvc, forgeSvc, chestSvc, locks, time.Duration(cfg.TokenTTLMins)*time.Minute)

	mux := http.NewServeMux()
	mux.Handle("/api/", httpSrv.Routes())
	mux.HandleFunc("/ws", gateway.HandleWS)

	server := &http.Server{
		Addr:         cfg.GetListenAddress(),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("Outpost world server ready")
		log.Printf("WebSocket endpoint: ws://%s/ws", cfg.GetListenAddress())
		log.Printf("HTTP control surface: http://%s/api/", cfg.GetListenAddress())
		log.Println("Press Ctrl+C to shutdown")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	sig := <-sigChan
	log.Printf("Received signal: %v", sig)
	performGracefulShutdown(server, a, db, cfg, cancelBackground)
}

// performGracefulShutdown mirrors the teacher's staged shutdown: stop
// accepting new connections, let background loops wind down, then close the
// database last so in-flight writes have somewhere to land.
func performGracefulShutdown(server *http.Server, a *app, db *store.DB, cfg *config.Config, cancelBackground context.CancelFunc) {
	log.Println("Outpost world server shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeoutSecs)*time.Second)
	defer cancel()

	log.Println("[1/4] Stopping HTTP and WebSocket listeners...")
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	log.Println("[2/4] Stopping world arbiters...")
	a.stopWorlds()

	log.Println("[3/4] Stopping respawn ticker, snapshot broadcaster, and furnace worker...")
	cancelBackground()
	time.Sleep(250 * time.Millisecond) // let in-flight ticks finish their current mutation

	log.Println("[4/4] Closing database connection...")
	if err := db.Close(); err != nil {
		log.Printf("Database close error: %v", err)
	}

	log.Println("Outpost world server offline.")
}
