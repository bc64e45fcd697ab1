package database

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irfndi/celebrum-fetcher/internal/models"
)

func TestPortfolioRepository_ListPortfolioIDs(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT id FROM portfolios ORDER BY id").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(1)).AddRow(int64(4)))

	ids, err := NewPortfolioRepository(mock).ListPortfolioIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 4}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPortfolioRepository_GetPositions(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rows := pgxmock.NewRows([]string{"asset_id", "symbol", "quantity", "average_buy_price", "latest_close"}).
		AddRow(int64(1), "AAPL", decimal.NewFromInt(10), decimal.NewFromInt(150), decimal.NewNullDecimal(decimal.NewFromInt(190))).
		AddRow(int64(2), "NEW", decimal.NewFromInt(5), decimal.NewFromInt(20), nil)

	mock.ExpectQuery("FROM portfolio_positions pp").WithArgs(int64(1)).WillReturnRows(rows)

	positions, err := NewPortfolioRepository(mock).GetPositions(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.True(t, positions[0].LatestClose.Valid)
	assert.True(t, positions[0].LatestClose.Decimal.Equal(decimal.NewFromInt(190)))
	assert.False(t, positions[1].LatestClose.Valid)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPortfolioRepository_UpsertPortfolioValue(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO portfolio_performance_cache").
		WithArgs(int64(2), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = NewPortfolioRepository(mock).UpsertPortfolioValue(context.Background(), models.PortfolioValue{
		PortfolioID:      2,
		CurrentValueUSD:  decimal.NewFromInt(1000),
		TotalInvestedUSD: decimal.NewFromInt(800),
		TotalReturnPct:   decimal.NewFromInt(25),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
