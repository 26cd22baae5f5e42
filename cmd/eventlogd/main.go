package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/jmerrifield20/decisionlog/internal/config"
	"github.com/jmerrifield20/decisionlog/internal/eventlog"
	healthcheck "github.com/jmerrifield20/decisionlog/internal/health"
	"github.com/jmerrifield20/decisionlog/internal/handler"
	"github.com/jmerrifield20/decisionlog/internal/identity"
	"github.com/jmerrifield20/decisionlog/internal/mirror"
	"github.com/jmerrifield20/decisionlog/internal/recorder"
)

// healthService is the gRPC health service name reporting chain integrity.
const healthService = "eventlog"

var version = "dev"

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("eventlogd exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	cfg, err := config.Load(os.Getenv("EVENTLOGD_CONFIG"), logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Signing key + operator tokens ────────────────────────────────────────
	keys := identity.NewKeyManager(cfg.Identity.KeyDir)
	if err := keys.LoadOrCreate(); err != nil {
		return fmt.Errorf("load signing key: %w", err)
	}
	tokens := identity.NewTokenIssuer(keys.PrivateKey(), cfg.Server.Issuer, cfg.TokenTTL())
	logger.Info("signing key ready",
		zap.String("key_id", identity.KeyID(keys.PublicKey())),
		zap.String("public_key", keys.PublicKeyPath()),
	)

	// ── Event log ────────────────────────────────────────────────────────────
	evlog, err := eventlog.Open(ctx, cfg.EventLogConfig(), logger)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	if n, err := evlog.Count(ctx); err == nil {
		handler.SetEntriesGauge(n)
	}
	if prunable, err := evlog.PrunableSegments(ctx); err != nil {
		logger.Warn("list prunable segments", zap.Error(err))
	} else if len(prunable) > 0 {
		logger.Info("segments outside the retention window; archive them before removal",
			zap.Ints("segments", prunable),
			zap.Int("retention_segments", cfg.EventLog.RetentionSegments),
		)
	}

	rec := recorder.New(evlog, cfg.Recorder.FailureBuffer, logger)
	rec.SetFailureHook(func(recorder.Failure) { handler.RecordRecorderFailure() })
	rec.Record(ctx, eventlog.ActorSystem, "service.started", "service", "eventlogd", map[string]any{
		"version": version,
		"key_id":  identity.KeyID(keys.PublicKey()),
	})

	// ── Handlers ─────────────────────────────────────────────────────────────
	logHandler := handler.NewEventLogHandler(evlog, tokens, rec, logger)
	backupCfg := handler.BackupConfig{SourceDir: evlog.Dir(), OutDir: cfg.Backup.Dir}
	if cfg.Backup.Sign {
		signer, err := keys.Signer()
		if err != nil {
			return fmt.Errorf("backup signer: %w", err)
		}
		backupCfg.Signer = signer
	}
	logHandler.SetBackups(backupCfg)

	if cfg.Server.AdminSecretHash == "" {
		logger.Warn("server.admin_secret_hash is empty; token exchange disabled")
	}
	authHandler := handler.NewAuthHandler(cfg.Server.AdminSecretHash, tokens, rec, logger)

	// ── gRPC server (health + reflection) ────────────────────────────────────
	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("gRPC listen on :%d: %w", cfg.Server.GRPCPort, err)
	}
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(loggingInterceptor(logger)),
	)
	healthSvc := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthSvc)
	healthSvc.SetServingStatus(healthService, grpc_health_v1.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	// ── Background chain verification ────────────────────────────────────────
	stop := make(chan struct{})
	checker := healthcheck.New(evlog, healthcheck.Config{
		CheckInterval: cfg.Health.CheckInterval,
		FullEvery:     cfg.Health.FullEvery,
	}, logger)
	checker.SetStatusUpdate(func(healthy bool) {
		st := grpc_health_v1.HealthCheckResponse_NOT_SERVING
		if healthy {
			st = grpc_health_v1.HealthCheckResponse_SERVING
		}
		healthSvc.SetServingStatus(healthService, st)
	})
	checker.SetMetricsRecord(func(r healthcheck.Report) {
		mode := "unknown"
		if r.Result != nil {
			mode = string(r.Result.Mode)
		}
		handler.RecordChainCheck(mode, r.Healthy)
		if n, err := evlog.Count(context.Background()); err == nil {
			handler.SetEntriesGauge(n)
		}
	})
	go checker.Start(stop)

	// ── Optional Postgres mirror ─────────────────────────────────────────────
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		m := mirror.New(pool, evlog, cfg.Mirror.BatchSize, logger)
		logHandler.SetMirror(m)
		go m.Start(stop, cfg.Mirror.SyncInterval)
		logger.Info("postgres mirror enabled", zap.Duration("interval", cfg.Mirror.SyncInterval))
	}

	// ── grpc-gateway /healthz bridge ─────────────────────────────────────────
	grpcAddr := fmt.Sprintf("localhost:%d", cfg.Server.GRPCPort)
	healthConn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial local gRPC: %w", err)
	}
	defer healthConn.Close()
	gwMux := runtime.NewServeMux(
		runtime.WithHealthzEndpoint(grpc_health_v1.NewHealthClient(healthConn)),
		runtime.WithMarshalerOption(runtime.MIMEWildcard, &runtime.JSONPb{
			MarshalOptions: protojson.MarshalOptions{
				UseProtoNames:   true,
				EmitUnpopulated: true,
			},
		}),
	)

	// ── HTTP router ──────────────────────────────────────────────────────────
	router := gin.New()
	router.Use(gin.Recovery())

	corsOrigins := cfg.Server.CORSOrigins
	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))

	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	// Request body size limit (1 MB)
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	router.Use(handler.RateLimiter(ctx, cfg.Server.RateLimitRPS, cfg.Server.RateLimitRPS*2))
	router.Use(handler.PrometheusMiddleware())
	router.Use(requestLogger(logger))

	router.GET("/healthz", gin.WrapH(gwMux))
	router.GET("/metrics", handler.MetricsHandler())

	v1 := router.Group("/api/v1")
	logHandler.Register(v1)
	authHandler.Register(v1)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Start both servers ───────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("eventlogd gRPC listening", zap.Int("port", cfg.Server.GRPCPort))
		if err := grpcServer.Serve(grpcLis); err != nil {
			logger.Fatal("gRPC serve error", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("eventlogd HTTP listening",
			zap.Int("port", cfg.Server.Port),
			zap.String("dir", evlog.Dir()),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	<-quit
	logger.Info("shutting down eventlogd...")
	close(stop)
	cancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	healthSvc.Shutdown()
	grpcServer.GracefulStop()

	rec.Record(shutCtx, eventlog.ActorSystem, "service.stopped", "service", "eventlogd", nil)
	logger.Info("eventlogd stopped", zap.Any("recorder", rec.Status()))
	return nil
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// loggingInterceptor returns a gRPC unary server interceptor that logs each call.
func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("grpc",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("latency", time.Since(start)),
		)
		return resp, err
	}
}
