package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// Inventory bundles the stock ledger components shared by the binaries.
type Inventory struct {
	Repository *inventory.Repository
	Service    *inventory.Service
	Projector  *inventory.Projector
	Monitor    *inventory.Monitor
	Metrics    *inventory.Metrics
}

// NewInventory wires the ledger store, projector, adjustment service and
// low-stock monitor. redisClient may be nil to run without the report cache.
func NewInventory(cfg *Config, pool *pgxpool.Pool, redisClient *redis.Client, registerer prometheus.Registerer, logger *slog.Logger) *Inventory {
	repo := inventory.NewRepository(pool)
	audit := shared.NewAuditLogger(pool)
	metrics := inventory.NewMetrics(registerer)

	var cache *inventory.Cache
	if redisClient != nil {
		cache = inventory.NewCache(redisClient, cfg.InventoryLowStockTTL)
	}

	service := inventory.NewService(repo, inventory.NewPostgresCatalog(pool), cache, metrics, logger, inventory.ServiceConfig{
		MaxAttempts: cfg.InventoryMaxAttempts,
		BackoffBase: cfg.InventoryBackoffBase,
		BackoffMax:  cfg.InventoryBackoffMax,
	})
	return &Inventory{
		Repository: repo,
		Service:    service,
		Projector:  inventory.NewProjector(repo, audit, cache, metrics, logger),
		Monitor:    inventory.NewMonitor(repo, audit, cache, metrics, logger),
		Metrics:    metrics,
	}
}
