package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	retry "github.com/avast/retry-go/v5"
	"github.com/goevery/openpreview/internal/auth"
	"github.com/goevery/openpreview/internal/broadcaster"
	"github.com/goevery/openpreview/internal/handler"
	"github.com/goevery/openpreview/internal/persistence"
	"github.com/goevery/openpreview/internal/persistence/memory"
	"github.com/goevery/openpreview/internal/persistence/mongodb"
	"github.com/goevery/openpreview/internal/persistence/postgres"
	"github.com/goevery/openpreview/internal/relay"
	"github.com/goevery/openpreview/internal/server"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type App struct {
	logger            *zap.Logger
	settings          Settings
	hub               *broadcaster.Hub
	relay             *relay.RedisRelay
	persistenceEngine persistence.Engine
	websocketServer   *server.WebSocketServer
	restServer        *server.RESTServer
}

func NewApp(
	logger *zap.Logger,
	settings Settings,
	persistenceEngine persistence.Engine,
	hub *broadcaster.Hub,
	redisRelay *relay.RedisRelay,
) *App {
	originChecker := server.NewOriginChecker(splitList(settings.AllowedOrigins))
	websocketUpgrader := &websocket.Upgrader{
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		CheckOrigin:       originChecker.Check,
		EnableCompression: true,
	}

	authenticator := auth.NewAuthenticator(settings.JWTSecret, settings.JWTAudience, splitList(settings.APIKeys))

	var publisher broadcaster.Publisher = hub
	if redisRelay != nil {
		publisher = redisRelay
	}

	scopeValidator := handler.NewScopeValidator()

	joinHandler := handler.NewJoinHandler(scopeValidator, hub)
	pingHandler := handler.NewPingHandler()
	newCommentHandler := handler.NewNewCommentHandler(scopeValidator, persistenceEngine, publisher)
	updateCommentHandler := handler.NewUpdateCommentHandler(scopeValidator, persistenceEngine, publisher)

	router := server.NewRouter(
		logger,
		joinHandler,
		pingHandler,
		newCommentHandler,
		updateCommentHandler,
	)

	websocketServer := server.NewWebSocketServer(
		logger,
		websocketUpgrader,
		authenticator,
		hub,
		router,
		server.ConnectionSettings{
			SendBufferSize: settings.SendBufferSize,
			ReadLimit:      int64(settings.ReadLimitBytes),
		},
	)
	restServer := server.NewRESTServer(
		logger,
		authenticator,
		persistenceEngine,
		newCommentHandler,
		updateCommentHandler,
	)

	return &App{
		logger,
		settings,
		hub,
		redisRelay,
		persistenceEngine,
		websocketServer,
		restServer,
	}
}

func (a *App) setup(ctx context.Context) error {
	err := retry.New(
		retry.Attempts(5),
		retry.Delay(time.Second),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() error {
		return a.persistenceEngine.Setup(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to setup persistence engine: %w", err)
	}

	a.startHttpServer(ctx)

	return nil
}

func (a *App) startHttpServer(ctx context.Context) {
	notifyCtx, notifyCtxCancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer notifyCtxCancel()

	go a.hub.Run(notifyCtx, a.settings.SweepInterval())

	if a.relay != nil {
		go func() {
			err := a.relay.Run(notifyCtx)
			if err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("redis relay stopped, broadcasts stay local", zap.Error(err))
			}
		}()
	}

	address := fmt.Sprintf("0.0.0.0:%d", a.settings.Port)

	router := mux.NewRouter().
		PathPrefix(a.settings.BasePath).
		Subrouter()

	a.restServer.Register(router)
	a.websocketServer.Register(router)

	httpServer := &http.Server{
		Addr:    address,
		Handler: router,
	}

	a.logger.Info("starting http server",
		zap.String("address", address),
		zap.String("storeDriver", a.settings.StoreDriver),
		zap.Bool("relay", a.relay != nil))

	go func() {
		err := httpServer.ListenAndServe()

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Fatal("failed to start http server",
				zap.Error(err))
		}
	}()

	<-notifyCtx.Done()

	a.logger.Info("stopping http server")

	shutdownCtx, shutdownCtxCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCtxCancel()

	err := httpServer.Shutdown(shutdownCtx)
	if err != nil {
		a.logger.Fatal("http server shutdown failed",
			zap.Error(err))
	}

	a.logger.Info("http server stopped")
}

func newPersistenceEngine(ctx context.Context, settings Settings) (persistence.Engine, func(), error) {
	switch settings.StoreDriver {
	case "memory":
		return memory.NewPersistenceEngine(), func() {}, nil
	case "mongodb":
		client, err := mongodb.Connect(settings.MongoDBURI)
		if err != nil {
			return nil, nil, err
		}

		return mongodb.NewPersistenceEngine(client, settings.MongoDBDatabase), func() {
			_ = client.Disconnect(context.Background())
		}, nil
	case "postgres":
		db, err := postgres.Open(ctx, settings.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}

		return postgres.NewPersistenceEngine(db), func() {
			_ = db.Close()
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", settings.StoreDriver)
	}
}

func main() {
	ctx := context.Background()

	var settings Settings
	_, err := env.UnmarshalFromEnviron(&settings)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to parse settings from environment:", err)
		os.Exit(1)
	}
	if err := settings.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid settings:", err)
		os.Exit(1)
	}

	logger, err := buildZapLogger(settings.LogEncoding, settings.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	persistenceEngine, closeStore, err := newPersistenceEngine(ctx, settings)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer closeStore()

	hub := broadcaster.NewHub(logger)

	var redisRelay *relay.RedisRelay
	if settings.RedisURL != "" {
		client, err := relay.NewRedisClient(ctx, settings.RedisURL)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer client.Close()

		redisRelay = relay.NewRedisRelay(logger, client, settings.RedisChannel, hub)
	}

	app := NewApp(logger, settings, persistenceEngine, hub, redisRelay)

	err = app.setup(ctx)
	if err != nil {
		logger.Fatal("failed to setup", zap.Error(err))
	}
}
