package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bookstore/services/commerce/internal/api"
	"github.com/bookstore/services/commerce/internal/config"
	"github.com/bookstore/services/commerce/internal/db"
	"github.com/bookstore/services/commerce/internal/events"
	grpcserver "github.com/bookstore/services/commerce/internal/grpc"
	"github.com/bookstore/services/commerce/internal/inventory"
	"github.com/bookstore/services/commerce/internal/metrics"
	"github.com/bookstore/services/commerce/internal/ops"
	"github.com/bookstore/services/commerce/internal/pricing"
	"github.com/bookstore/services/commerce/internal/repo"
	"github.com/bookstore/services/commerce/internal/telemetry"
	"github.com/bookstore/services/commerce/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewLogger(cfg.ServiceName, cfg.LogLevel)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, stop, cfg, log); err != nil {
		log.Fatal("Commerce service failed", zap.Error(err))
	}
	log.Info("Commerce service stopped")
}

func run(ctx context.Context, stop context.CancelFunc, cfg *config.Config, log *zap.Logger) error {
	log.Info("Commerce service starting",
		zap.String("grpc_port", cfg.GRPCPort),
		zap.String("http_port", cfg.HTTPPort),
	)

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.ServiceName, cfg.OTLPEndpoint, log)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(tctx); err != nil {
			log.Error("Tracer shutdown", zap.Error(err))
		}
	}()

	database, err := db.Connect(cfg.PGDSN)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer database.Close()

	if err := db.RunMigrations(database); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	catalogRepo := repo.NewCatalogRepository(database, log)
	variantRepo := repo.NewVariantRepository(database, log).WithCASRetries(cfg.BulkAdjustMaxRetries)
	ledgerRepo := repo.NewLedgerRepository(database, log)
	offerRepo := repo.NewOfferRepository(database, log)
	couponRepo := repo.NewCouponRepository(database, log)

	if products, variants, err := catalogRepo.GetStats(ctx); err == nil {
		log.Info("Catalog loaded", zap.Int64("products", products), zap.Int64("active_variants", variants))
	}

	publisher, err := events.NewPublisher(cfg.RabbitMQURL, log)
	if err != nil {
		return fmt.Errorf("publisher: %w", err)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Error("Publisher shutdown", zap.Error(err))
		}
	}()

	stock := inventory.NewService(variantRepo, ledgerRepo, publisher, m, log, inventory.Options{
		DefaultLowStockThreshold: cfg.DefaultLowStockThreshold,
		HistoryLimit:             cfg.HistoryLimit,
	})
	offers := pricing.NewOfferResolver(offerRepo, m, log)
	coupons := pricing.NewCouponApplier(couponRepo, m, log)
	cart := pricing.NewCartPricer(catalogRepo, variantRepo, offers, coupons, log, cfg.PricingConcurrency)

	consumer, err := events.NewConsumer(cfg.RabbitMQURL, cfg.ServiceName, stock, catalogRepo, log)
	if err != nil {
		return fmt.Errorf("consumer: %w", err)
	}
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		if err := consumer.Start(ctx); err != nil {
			log.Error("Event consumer stopped", zap.Error(err))
			stop()
		}
	}()
	// Deferred calls run in reverse: the consumer drains before the
	// publisher it may notify through is closed.
	defer func() {
		stop()
		<-consumerDone
		consumer.Close()
	}()

	health := grpcserver.NewHealthServer(database, publisher, log)
	grpcServer, err := serveGRPC(cfg.GRPCPort, health, stop, log)
	if err != nil {
		return err
	}
	defer grpcServer.GracefulStop()

	router := chi.NewRouter()
	router.Use(middleware.RequestID, middleware.Recoverer)
	ops.NewHandler(health, prometheus.DefaultGatherer, log).Routes(router)
	api.NewHandler(stock, cart, offers, coupons, log).Routes(router)
	httpServer := serveHTTP(cfg.HTTPPort, router, stop, log)

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown", zap.Error(err))
	}
	return nil
}

// serveGRPC exposes the health service (and reflection) on port
func serveGRPC(port string, health grpc_health_v1.HealthServer, stop context.CancelFunc, log *zap.Logger) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return nil, fmt.Errorf("listen grpc :%s: %w", port, err)
	}

	srv := grpc.NewServer(grpc.UnaryInterceptor(grpcserver.LoggingInterceptor(log)))
	grpc_health_v1.RegisterHealthServer(srv, health)
	reflection.Register(srv)

	go func() {
		log.Info("gRPC listening", zap.String("address", lis.Addr().String()))
		if err := srv.Serve(lis); err != nil {
			log.Error("gRPC server stopped", zap.Error(err))
			stop()
		}
	}()
	return srv, nil
}

func serveHTTP(port string, handler http.Handler, stop context.CancelFunc, log *zap.Logger) *http.Server {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		log.Info("HTTP listening", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server stopped", zap.Error(err))
			stop()
		}
	}()
	return srv
}
