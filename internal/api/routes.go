package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/irfndi/celebrum-fetcher/internal/models"
)

const (
	statusOK       = "ok"
	statusError    = "error"
	statusDisabled = "disabled"
	statusDegraded = "degraded"

	checkTimeout = 3 * time.Second
)

// HealthChecker is satisfied by database.PostgresDB and database.RedisClient.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type StatisticsProvider interface {
	GetStatistics(ctx context.Context) models.StatisticsSnapshot
	ActiveCycles() int
}

// RequestCounter reports provider requests sent in the last hour.
type RequestCounter interface {
	HourlyCount() int
}

type CachedSymbolLister interface {
	CachedSymbols(ctx context.Context) ([]string, error)
}

type QueueReporter interface {
	QueueSummary(ctx context.Context) (models.QueueSummary, error)
}

// Dependencies wires the status endpoints. Redis and PriceCache are nil
// when the price cache is disabled.
type Dependencies struct {
	Database   HealthChecker
	Redis      HealthChecker
	Statistics StatisticsProvider
	Queue      QueueReporter
	Requests   RequestCounter
	PriceCache CachedSymbolLister
	Version    string
	Logger     *logrus.Logger
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	Services  Services  `json:"services"`
}

type Services struct {
	Database string `json:"database"`
	Redis    string `json:"redis"`
}

type StatisticsResponse struct {
	Statistics models.StatisticsSnapshot `json:"statistics"`
	Runtime    RuntimeStatus             `json:"runtime"`
	Queue      models.QueueSummary       `json:"queue,omitempty"`
	QueueError string                    `json:"queue_error,omitempty"`
}

// RuntimeStatus is the live state behind the persisted statistics.
type RuntimeStatus struct {
	ActiveCycles   int  `json:"active_cycles"`
	HourlyRequests *int `json:"hourly_requests,omitempty"`
	CachedSymbols  *int `json:"cached_symbols,omitempty"`
}

// NewRouter builds the gin engine serving the daemon status endpoints.
func NewRouter(serviceName string, deps Dependencies) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(RequestLogger(deps.Logger))

	SetupRoutes(router, deps)
	return router
}

func SetupRoutes(router *gin.Engine, deps Dependencies) {
	router.GET("/health", healthCheck(deps))
	router.GET("/statistics", statistics(deps))
}

func healthCheck(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), checkTimeout)
		defer cancel()

		response := HealthResponse{
			Status:    statusOK,
			Timestamp: time.Now().UTC(),
			Version:   deps.Version,
			Services: Services{
				Database: checkHealth(ctx, deps.Database),
				Redis:    checkHealth(ctx, deps.Redis),
			},
		}

		// a disabled cache is not a fault
		if response.Services.Database != statusOK || response.Services.Redis == statusError {
			response.Status = statusDegraded
		}

		statusCode := http.StatusOK
		if response.Status == statusDegraded {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, response)
	}
}

func checkHealth(ctx context.Context, checker HealthChecker) string {
	if checker == nil {
		return statusDisabled
	}
	if err := checker.HealthCheck(ctx); err != nil {
		return statusError
	}
	return statusOK
}

func statistics(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		if deps.Statistics == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "statistics unavailable"})
			return
		}

		ctx := c.Request.Context()
		response := StatisticsResponse{
			Statistics: deps.Statistics.GetStatistics(ctx),
			Runtime:    RuntimeStatus{ActiveCycles: deps.Statistics.ActiveCycles()},
		}

		if deps.Requests != nil {
			n := deps.Requests.HourlyCount()
			response.Runtime.HourlyRequests = &n
		}
		if deps.PriceCache != nil {
			symbols, err := deps.PriceCache.CachedSymbols(ctx)
			if err != nil {
				deps.Logger.WithError(err).Warn("Failed to list cached prices for status endpoint")
			} else {
				n := len(symbols)
				response.Runtime.CachedSymbols = &n
			}
		}

		if deps.Queue != nil {
			summary, err := deps.Queue.QueueSummary(ctx)
			if err != nil {
				deps.Logger.WithError(err).Warn("Failed to load queue summary for status endpoint")
				response.QueueError = err.Error()
			} else {
				response.Queue = summary
			}
		}

		c.JSON(http.StatusOK, response)
	}
}
