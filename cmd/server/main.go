package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"feedrelay/config"
	"feedrelay/gate"
	"feedrelay/limiter"
	"feedrelay/relay"
	"feedrelay/rules"
	"feedrelay/singleton"
	"feedrelay/sse"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store limiter.WindowStore
	var bus relay.Bus

	switch cfg.Storage {
	case config.StorageMemory:
		store = limiter.NewMemoryStore()
		bus = relay.NewMemoryBus()
		log.Println("running with in-memory storage, single instance only")
	default:
		client, err := singleton.Init(ctx, cfg.Redis)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer singleton.Close()
		store = limiter.NewRedisStore(client)
		bus = relay.NewRedisBus(client)
		log.Printf("connected to redis at %s", cfg.Redis.Addr)
	}

	lim := limiter.New(store,
		limiter.WithFailClosed(cfg.FailClosed),
		limiter.WithAtomic(cfg.Atomic),
	)
	reg := rules.Default(cfg.Rules)
	g := gate.New(lim)

	sseRegistry := sse.NewRegistry()
	rl := relay.New(bus, cfg.Channel, sseRegistry)
	if err := rl.Start(ctx); err != nil {
		log.Fatalf("failed to start event relay: %v", err)
	}
	defer rl.Close()

	loginRule, _ := reg.Lookup(rules.Login)

	mux := http.NewServeMux()
	mux.Handle("/auth/login", g.Middleware(loginRule)(http.HandlerFunc(loginHandler)))
	mux.Handle("/graphql", g.GraphQL(reg)(http.HandlerFunc(graphqlHandler)))
	mux.Handle("/api/sse/comments/", sse.NewHandler(sseRegistry))
	mux.Handle("/api/sse/status", sse.NewStatusHandler(sseRegistry))
	mux.Handle("/api/posts/", &commentHandler{relay: rl})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: otelhttp.NewHandler(mux, "feedrelay"),
	}

	go func() {
		log.Printf("listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

// loginHandler stands in for the auth service; the value here is the
// login rule gating it.
func loginHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// graphqlHandler stands in for the GraphQL executor behind the
// per-operation gate.
func graphqlHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": map[string]interface{}{}})
}

// commentHandler exercises the relay end to end: mutations on
//
//	POST   /api/posts/{postId}/comments
//	DELETE /api/posts/{postId}/comments/{commentId}
//
// publish events that reach subscribers on every instance.
type commentHandler struct {
	relay *relay.Relay
}

func (h *commentHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/posts/"), "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] != "comments" {
		http.NotFound(w, r)
		return
	}
	postID := parts[0]

	switch {
	case r.Method == http.MethodPost && len(parts) == 2:
		var comment map[string]interface{}
		if err := sonic.ConfigDefault.NewDecoder(r.Body).Decode(&comment); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		if err := h.relay.PublishNewComment(r.Context(), postID, comment); err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{"success": true})

	case r.Method == http.MethodDelete && len(parts) == 3:
		if err := h.relay.PublishDeletedComment(r.Context(), postID, parts[2]); err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	body, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
