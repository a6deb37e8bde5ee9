package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/kasugatakuya/band-store/cache"
	"github.com/kasugatakuya/band-store/config"
	"github.com/kasugatakuya/band-store/database"
	"github.com/kasugatakuya/band-store/handlers"
	"github.com/kasugatakuya/band-store/kafka"
	"github.com/kasugatakuya/band-store/middleware"
	"github.com/kasugatakuya/band-store/payment"
	"github.com/kasugatakuya/band-store/reconcile"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg := config.Load()

	// Initialize database
	db, err := database.InitDB(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	// Redis is a read-through cache only; run without it if unavailable.
	redisClient, err := cache.InitRedis(cfg, logger)
	if err != nil {
		logger.Warn("Redis unavailable, product cache disabled", zap.Error(err))
		redisClient = nil
	} else {
		defer redisClient.Close()
	}

	// Kafka producer is optional; publish helpers no-op without it.
	var producer sarama.SyncProducer
	if cfg.KafkaBroker != "" {
		producer, err = kafka.InitProducer(cfg, logger)
		if err != nil {
			logger.Warn("Kafka unavailable, order events disabled", zap.Error(err))
			producer = nil
		} else {
			defer producer.Close()
		}
	}

	// Initialize OpenTelemetry
	shutdown, err := middleware.InitTracing("band-store")
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	defer shutdown()

	gateway := payment.NewGateway(cfg, logger)
	reconciler := reconcile.NewReconciler(db, logger)
	jwtSecret := []byte(cfg.JWTSecret)

	authHandler := handlers.NewAuthHandler(db, jwtSecret, logger)
	productHandler := handlers.NewProductHandler(db, redisClient, logger)
	cartHandler := handlers.NewCartHandler(db, logger)
	checkoutHandler := handlers.NewCheckoutHandler(db, gateway, reconciler, producer, cfg.KafkaTopic, logger)
	orderHandler := handlers.NewOrderHandler(db, producer, cfg.KafkaTopic, logger)
	profileHandler := handlers.NewProfileHandler(db, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	// OpenTelemetry middleware must be first to extract trace context
	router.Use(otelgin.Middleware("band-store"))
	router.Use(middleware.LoggerMiddleware(logger))
	router.Use(middleware.MetricsMiddleware())

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", middleware.PrometheusHandler())

	router.POST("/auth/register", authHandler.Register)
	router.POST("/auth/login", authHandler.Login)

	router.GET("/products", productHandler.GetProducts)
	router.GET("/products/:id", productHandler.GetProduct)

	// Stripe authenticates by signature, not JWT.
	router.POST("/webhooks/stripe", checkoutHandler.HandleStripeWebhook)

	authed := router.Group("/")
	authed.Use(middleware.AuthMiddleware(jwtSecret))
	{
		authed.GET("/cart", cartHandler.GetCart)
		authed.GET("/cart/count", cartHandler.CartCount)
		authed.POST("/cart/items", cartHandler.AddToCart)
		authed.DELETE("/cart/items/:itemId", cartHandler.RemoveCartItem)

		authed.POST("/checkout", checkoutHandler.CreateCheckoutSession)
		authed.GET("/checkout/success", checkoutHandler.CheckoutSuccess)

		authed.GET("/orders", orderHandler.ListOrders)

		authed.GET("/profile", profileHandler.GetProfile)
		authed.PUT("/profile", profileHandler.UpdateProfile)
	}

	admin := router.Group("/admin")
	admin.Use(middleware.AuthMiddleware(jwtSecret), middleware.AdminMiddleware(db, logger))
	{
		admin.POST("/products", productHandler.CreateProduct)
		admin.PUT("/products/:id", productHandler.UpdateProduct)
		admin.DELETE("/products/:id", productHandler.DeleteProduct)

		admin.GET("/orders", orderHandler.AdminListOrders)
		admin.PATCH("/orders/:id/status", orderHandler.UpdateOrderStatus)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Band store API started", zap.String("port", cfg.Port))

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
