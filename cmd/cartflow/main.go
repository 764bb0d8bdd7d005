package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/mkraev/cartflow/internal/cart"
	"github.com/mkraev/cartflow/internal/cartsync"
	"github.com/mkraev/cartflow/internal/catalog"
	"github.com/mkraev/cartflow/internal/checkout"
	"github.com/mkraev/cartflow/internal/config"
	"github.com/mkraev/cartflow/internal/database"
	"github.com/mkraev/cartflow/internal/discount"
	"github.com/mkraev/cartflow/internal/domain"
	"github.com/mkraev/cartflow/internal/httpapi"
	"github.com/mkraev/cartflow/internal/identity"
	"github.com/mkraev/cartflow/internal/inventory"
	"github.com/mkraev/cartflow/internal/order"
	"github.com/mkraev/cartflow/internal/outbox"
)

func main() {
	log.Println("cartflow starting...")

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Postgres: inventory ledger, discount codes, orders, outbox.
	creds := &database.Credentials{
		Host:              cfg.Postgres.Host,
		Port:              cfg.Postgres.Port,
		User:              cfg.Postgres.User,
		Password:          cfg.Postgres.Password,
		DBName:            cfg.Postgres.DBName,
		MigrationsDirPath: cfg.Postgres.MigrationsPath,
	}
	db, err := database.Connect(creds)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := database.RunMigrations(db, creds); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	log.Println("Database migrations completed")

	// MongoDB: cart persistence.
	mongoDB, err := cart.ConnectMongoDB(ctx, cfg.MongoURI, cfg.MongoDBName)
	if err != nil {
		log.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer mongoDB.Client().Disconnect(context.Background())
	if err := cart.EnsureIndexes(ctx, mongoDB); err != nil {
		log.Fatalf("Failed to create cart indexes: %v", err)
	}
	log.Printf("Connected to MongoDB at %s", cfg.MongoURI)

	// Redis: cart cache + change notifications.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal("Redis connection failed:", err)
	}
	log.Printf("Redis ping succeeded")

	ledger := inventory.NewPostgresLedger(db)
	cartRepo := cart.NewMongoRepository(mongoDB)
	cache := cart.NewRedisCache(redisClient)
	notifier := cartsync.NewRedisNotifier(redisClient)

	// TODO: replace the static catalog with the real catalog service
	// client once its endpoint is settled.
	cat := catalog.NewStaticCatalog(demoProducts()...)

	carts := cart.NewService(cartRepo, cache, cat, ledger, notifier)
	syncService := cartsync.NewService(carts, ledger, notifier)

	// Login folds the device-local cart into the user's persistent one.
	idp := identity.NewMemoryProvider()
	idp.OnIdentityChange(func(old, next identity.Identity) {
		if !old.IsAnonymous() || next.IsAnonymous() || old.DeviceID == "" {
			return
		}
		if _, err := syncService.MergeOnLogin(ctx, old.DeviceID, next.UserID); err != nil {
			log.Printf("cart merge on login failed: %v", err)
		}
	})

	discountRepo := discount.NewPostgresRepository(db)
	validator := discount.NewValidator(discountRepo)

	orderRepo := order.NewPostgresRepository(db)

	payments := checkout.NewBreakerProcessor(&acceptAllProcessor{})
	saga := checkout.NewSaga(carts, ledger, orderRepo, validator, discountRepo, payments)

	// Outbox: publish confirmed orders, re-drive checkouts that crashed
	// after payment, clear residual carts elsewhere.
	poller := outbox.NewPoller(orderRepo, saga, cfg.KafkaBrokers...)
	go poller.Run(ctx)
	defer poller.Close()

	consumer := outbox.NewConsumer(carts, cfg.KafkaBrokers...)
	go consumer.Run(ctx)
	defer consumer.Close()

	handler := httpapi.NewHandler(carts, validator, saga, syncService, orderRepo, cfg.RequestTimeout)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler:      httpapi.NewRouter(handler),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Printf("cartflow listening on :%s", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to serve: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down cartflow...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}

	log.Println("cartflow stopped")
}

// acceptAllProcessor stands in for the real payment gateway in local
// runs. Every charge succeeds with a generated reference.
type acceptAllProcessor struct{}

func (acceptAllProcessor) Charge(_ context.Context, amount decimal.Decimal, info domain.PaymentInfo) (string, error) {
	return fmt.Sprintf("txn-%d", time.Now().UnixNano()), nil
}

func demoProducts() []*catalog.Product {
	return []*catalog.Product{
		{
			ID:    1,
			Name:  "Classic Tee",
			Price: decimal.RequireFromString("24.99"),
			Images: []string{
				"/img/classic-tee.jpg",
			},
			Options: []catalog.Option{
				{Size: "S", Color: "Black"},
				{Size: "M", Color: "Black"},
				{Size: "L", Color: "Black"},
				{Size: "M", Color: "Red"},
			},
		},
		{
			ID:    2,
			Name:  "Denim Jacket",
			Price: decimal.RequireFromString("89.50"),
			Images: []string{
				"/img/denim-jacket.jpg",
			},
			Options: []catalog.Option{
				{Size: "M", Color: "Blue"},
				{Size: "L", Color: "Blue"},
			},
		},
	}
}
