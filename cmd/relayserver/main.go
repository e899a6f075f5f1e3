package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parley/chat-relay/internal/history"
	"github.com/parley/chat-relay/internal/messaging"
	"github.com/parley/chat-relay/internal/metrics"
	"github.com/parley/chat-relay/internal/protocol"
	"github.com/parley/chat-relay/internal/ratelimit"
	"github.com/parley/chat-relay/internal/relay"
	"github.com/parley/chat-relay/internal/rooms"
	"github.com/parley/chat-relay/internal/ws"
)

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	// --- Redis (rooms store + rate limiting) ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()

	roomStore := rooms.NewStore(rdb)
	limiter := ratelimit.NewLimiter(rdb)

	// --- PostgreSQL message log (in-memory fallback when unconfigured) ---
	var (
		msgLog  history.Log
		pgStore *history.Store
	)
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		openCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		store, err := history.Open(openCtx, dsn)
		cancel()
		if err != nil {
			log.Fatalf("failed to connect to PostgreSQL: %v", err)
		}
		if err := history.Migrate(store.DB()); err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}
		pgStore = store
		msgLog = store
	} else {
		log.Printf("POSTGRES_DSN not set, using in-memory message log")
		msgLog = history.NewMemoryLog()
	}

	// --- NATS (file-share events from the upload server) ---
	natsConfig := messaging.DefaultConfig()
	natsConfig.Name = "parley-relay"
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsClient, err := messaging.NewClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	log.Printf("Parley chat relay starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  nats_url:        %s", natsConfig.URL)
	log.Printf("  redis_addr:      %s", redisAddr)

	// Declare server early so closures can capture it.
	var server *ws.Server

	router := relay.NewRouter(msgLog, relay.SenderFunc(func(connID string, data []byte) error {
		return server.SendMessage(connID, data)
	}))

	dispatcher := ws.NewMessageDispatcher(nil)

	// -----------------------------------------------------------------------
	// join — enter a room under a display name
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeJoin, func(conn *ws.Connection, msg interface{}) {
		joinMsg, ok := msg.(protocol.JoinMsg)
		if !ok {
			return
		}

		router.Join(conn.ID, joinMsg.RoomID, joinMsg.Username)

		// Record the room identifier off the hot path; the join itself never
		// depends on the rooms store.
		if joinMsg.RoomID != "" {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				defer cancel()
				if _, err := roomStore.Ensure(ctx, joinMsg.RoomID); err != nil {
					log.Printf("[rooms] record %q: %v", joinMsg.RoomID, err)
				}
			}()
		}

		log.Printf("join from session=%s room=%q user=%q", conn.ID, joinMsg.RoomID, joinMsg.Username)
	})

	// -----------------------------------------------------------------------
	// message — relay a chat message into a room
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeMessage, func(conn *ws.Connection, msg interface{}) {
		chatMsg, ok := msg.(protocol.ChatMsg)
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		allowed, _ := limiter.Allow(ctx, conn.ID, ratelimit.RuleMessage)
		if !allowed {
			retry := limiter.RetryAfter(ctx, conn.ID, ratelimit.RuleMessage)
			cancel()
			resp, _ := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
				RetryAfter: retry,
			})
			if err := conn.WriteMessage(resp); err != nil {
				log.Printf("failed to send rate_limited to session=%s: %v", conn.ID, err)
			}
			return
		}
		cancel()

		router.SendMessage(conn.ID, chatMsg.RoomID, chatMsg.Sender, chatMsg.Text, chatMsg.Ts)
	})

	server = ws.NewServer(config, limiter, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	server.SetOnConnect(router.Connect)
	server.SetOnDisconnect(router.Disconnect)

	server.Handle("/rooms", rooms.NewHandler(roomStore))
	server.Handle("/metrics", metrics.Handler())

	// File-share notices arrive from the upload server over NATS and flow
	// through the same append-and-broadcast path as chat messages.
	if err := natsClient.SubscribeFileShared(func(event messaging.FileSharedEvent) {
		router.FileShared(event.RoomID, event.FileName, event.FileURL)
	}); err != nil {
		log.Fatalf("failed to subscribe to file-share events: %v", err)
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		natsClient.Close()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		router.Stop()
		if pgStore != nil {
			if err := pgStore.Close(); err != nil {
				log.Printf("postgres close error: %v", err)
			}
		}
		if err := rdb.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
