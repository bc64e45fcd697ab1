package models

import (
	"time"
)

// StatisticsSnapshot is one row of fetcher_statistics.
type StatisticsSnapshot struct {
	Timestamp            time.Time `json:"timestamp"`
	UptimeSeconds        int64     `json:"uptime_seconds"`
	TotalCycles          int       `json:"total_cycles"`
	SuccessfulCycles     int       `json:"successful_cycles"`
	FailedCycles         int       `json:"failed_cycles"`
	SuccessRate          float64   `json:"success_rate"`
	AverageCycleDuration float64   `json:"average_cycle_duration"`
	LastCycleDuration    float64   `json:"last_cycle_duration"`
	AssetsTracked        int       `json:"assets_tracked"`
}

// PriceUpdateLogEntry is one row of price_update_log.
type PriceUpdateLogEntry struct {
	AssetID      int64     `json:"asset_id"`
	Timestamp    time.Time `json:"timestamp"`
	Price        *float64  `json:"price,omitempty"`
	Success      bool      `json:"success"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
}

// LogEntry is one row of fetcher_logs.
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Context   map[string]interface{} `json:"context,omitempty"`
}
