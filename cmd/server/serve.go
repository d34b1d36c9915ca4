package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"layersync/server/internal/auth"
	"layersync/server/internal/config"
	"layersync/server/internal/httpapi"
	"layersync/server/internal/notify"
	"layersync/server/internal/session"
	"layersync/server/internal/storage"
	"layersync/server/internal/transport"
)

const shutdownTimeout = 15 * time.Second

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session server",
	Long: `Run the session server. The websocket endpoint is /ws; a raw TCP listener is
started when tcp_addr is configured.

Environment variables PORT, DATABASE_URL, REDIS_ADDR, LAYERSYNC_TOKEN_SECRET,
LAYERSYNC_DEV_USER and LAYERSYNC_ALLOW_GUESTS override the config file.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "path to a YAML config file")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return err
	}
	defaults, err := cfg.SessionDefaults()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store storage.Store
	if cfg.Storage.Driver != "none" {
		store, err = storage.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()
		if err := store.Init(ctx); err != nil {
			return fmt.Errorf("init storage: %w", err)
		}
	}

	bus := notify.NewBus()
	publisher := notify.Multi{bus}
	if cfg.Redis.Addr != "" {
		redisPub, err := notify.NewRedisPublisher(ctx, cfg.Redis.Addr, cfg.Redis.Channel)
		if err != nil {
			return err
		}
		defer redisPub.Close()
		publisher = append(publisher, redisPub)
		go func() {
			err := redisPub.Subscribe(ctx, func(ev notify.Event) {
				log.Printf("cluster event type=%s session=%s", ev.Type, ev.SessionID)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("redis subscribe error: %v", err)
			}
		}()
	}

	var tokens *auth.Tokens
	if cfg.Auth.TokenSecret != "" {
		tokens, err = auth.NewTokens(cfg.Auth.TokenSecret, cfg.Auth.TokenTTL)
		if err != nil {
			return fmt.Errorf("token secret: %w", err)
		}
	}

	registry := session.NewRegistry(store, publisher, defaults)
	restored, err := registry.Restore(ctx)
	if err != nil {
		return err
	}
	log.Printf("sessions restored count=%d", restored)

	isOperator := func(subject string) bool {
		return cfg.Auth.IsOperator(subject) || (cfg.Auth.DevUser != "" && subject == cfg.Auth.DevUser)
	}
	sockets := transport.NewServer(registry, tokens, transport.Options{
		LoginTimeout: cfg.Transport.LoginTimeout,
		PingInterval: cfg.Transport.PingInterval,
		WriteTimeout: cfg.Transport.WriteTimeout,
		AllowGuests:  cfg.Auth.AllowGuests,
		CheckOrigin:  checkOrigin(cfg.Transport.AllowedOrigins),
	})
	api := httpapi.NewServer(registry, httpapi.Options{
		Tokens:     tokens,
		Events:     bus,
		IsOperator: isOperator,
	})

	router := mux.NewRouter()
	api.RegisterRoutes(router)
	router.Handle("/ws", sockets)
	handler, err := authenticate(router, cfg.Auth)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errs := make(chan error, 2)
	go func() {
		log.Printf("server listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("server error: %w", err)
		}
	}()
	if cfg.TCPAddr != "" {
		ln, err := net.Listen("tcp", cfg.TCPAddr)
		if err != nil {
			return fmt.Errorf("listen tcp: %w", err)
		}
		go func() {
			log.Printf("tcp listening on %s", cfg.TCPAddr)
			if err := sockets.ServeTCP(ctx, ln); err != nil && ctx.Err() == nil {
				errs <- fmt.Errorf("tcp error: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Printf("server shutting down")
	case err = <-errs:
		log.Printf("server stopping: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		log.Printf("http shutdown error: %v", serr)
	}
	if serr := registry.Shutdown(shutdownCtx); serr != nil {
		log.Printf("session shutdown error: %v", serr)
	}
	return err
}

// authenticate puts the account of each request in its context: through
// OIDC when configured, as a fixed development user when dev_user is set,
// or not at all.
func authenticate(router *mux.Router, cfg config.AuthConfig) (http.Handler, error) {
	if cfg.DevUser != "" {
		log.Printf("auth dev user enabled sub=%s", cfg.DevUser)
		return auth.DevUserMiddleware(cfg.DevUser)(router), nil
	}
	if !cfg.OIDC.Enabled() {
		return router, nil
	}
	manager, err := auth.NewManager(auth.Config{
		IssuerURL:    cfg.OIDC.IssuerURL,
		ClientID:     cfg.OIDC.ClientID,
		ClientSecret: cfg.OIDC.ClientSecret,
		RedirectURL:  cfg.OIDC.RedirectURL,
		SessionKey:   cfg.SessionKey,
		CookieSecure: cfg.CookieSecure,
		FallbackURL:  "/",
	})
	if err != nil {
		return nil, fmt.Errorf("oidc: %w", err)
	}
	redirect, err := url.Parse(cfg.OIDC.RedirectURL)
	if err != nil {
		return nil, fmt.Errorf("oidc redirect url: %w", err)
	}
	callbackPath := redirect.Path
	router.Handle(callbackPath, manager.CallbackHandler())
	router.HandleFunc("/auth/login", manager.LoginHandler())
	router.HandleFunc("/auth/logout", manager.LogoutHandler())

	// Session listing and websocket clients authenticate with tokens.
	public := []string{"/healthz", "/ws", callbackPath}
	skipper := func(r *http.Request) bool {
		return slices.Contains(public, r.URL.Path) ||
			(r.Method == http.MethodGet && r.URL.Path == "/api/sessions")
	}
	return manager.OIDCMiddleware(skipper)(manager.WithUser(router)), nil
}

func checkOrigin(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin) || slices.Contains(allowed, "*")
	}
}
