package database

// Store groups the repositories used by the ingestion engine. All of them
// share one pool, so each concurrent worker gets its own connection per call.
type Store struct {
	Assets     *AssetRepository
	Prices     *PriceRepository
	Queue      *QueueRepository
	Tracked    *TrackedAssetRepository
	Logs       *LogRepository
	Portfolios *PortfolioRepository
}

// NewStore creates all repositories over pool.
func NewStore(pool DatabasePool) *Store {
	return &Store{
		Assets:     NewAssetRepository(pool),
		Prices:     NewPriceRepository(pool),
		Queue:      NewQueueRepository(pool),
		Tracked:    NewTrackedAssetRepository(pool),
		Logs:       NewLogRepository(pool),
		Portfolios: NewPortfolioRepository(pool),
	}
}
