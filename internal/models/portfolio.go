package models

import (
	"github.com/shopspring/decimal"
)

// PortfolioPosition is a holding joined with the latest known close.
type PortfolioPosition struct {
	AssetID         int64               `json:"asset_id"`
	Symbol          string              `json:"symbol"`
	Quantity        decimal.Decimal     `json:"quantity"`
	AverageBuyPrice decimal.Decimal     `json:"average_buy_price"`
	LatestClose     decimal.NullDecimal `json:"latest_close"`
}

// PortfolioValue is the cached performance of one portfolio.
type PortfolioValue struct {
	PortfolioID      int64           `json:"portfolio_id"`
	CurrentValueUSD  decimal.Decimal `json:"current_value_usd"`
	TotalInvestedUSD decimal.Decimal `json:"total_invested_usd"`
	TotalReturnPct   decimal.Decimal `json:"total_return_pct"`
	PositionCount    int             `json:"position_count"`
}

// RecalculationSummary reports one portfolio recalculation pass.
type RecalculationSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}
