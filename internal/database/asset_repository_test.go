package database

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irfndi/celebrum-fetcher/internal/models"
)

func strPtr(s string) *string { return &s }

func TestAssetRepository_GetAssetBySymbol(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewAssetRepository(mock)

	rows := pgxmock.NewRows([]string{"id", "symbol", "name", "asset_type", "exchange", "native_currency", "is_active"}).
		AddRow(int64(7), "AAPL", "Apple Inc.", "stock", strPtr("NASDAQ"), strPtr("USD"), true)
	mock.ExpectQuery("FROM assets WHERE symbol = \\$1").WithArgs("AAPL").WillReturnRows(rows)

	asset, err := repo.GetAssetBySymbol(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, int64(7), asset.ID)
	assert.Equal(t, models.AssetTypeStock, asset.AssetType)
	assert.Equal(t, "NASDAQ", asset.Exchange)
	assert.Equal(t, "USD", asset.NativeCurrency)
	assert.True(t, asset.IsActive)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAssetRepository_GetAssetByID_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewAssetRepository(mock)
	mock.ExpectQuery("FROM assets WHERE id = \\$1").WithArgs(int64(99)).WillReturnError(pgx.ErrNoRows)

	asset, err := repo.GetAssetByID(context.Background(), 99)
	assert.Nil(t, asset)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAssetRepository_EnsureAsset_Existing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewAssetRepository(mock)
	mock.ExpectQuery("FROM assets WHERE symbol = \\$1").WithArgs("MSFT").
		WillReturnRows(pgxmock.NewRows([]string{"id", "symbol", "name", "asset_type", "exchange", "native_currency", "is_active"}).
			AddRow(int64(3), "MSFT", "Microsoft", "stock", strPtr("NASDAQ"), strPtr("USD"), true))

	id, created, err := repo.EnsureAsset(context.Background(), "MSFT")
	require.NoError(t, err)
	assert.Equal(t, int64(3), id)
	assert.False(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAssetRepository_EnsureAsset_CreatesPlaceholder(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewAssetRepository(mock)
	mock.ExpectQuery("FROM assets WHERE symbol = \\$1").WithArgs("BRK.B").WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("INSERT INTO assets .* 'stock', 'UNKNOWN', 'USD', true").WithArgs("BRK.B").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(11)))

	id, created, err := repo.EnsureAsset(context.Background(), "BRK.B")
	require.NoError(t, err)
	assert.Equal(t, int64(11), id)
	assert.True(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAssetRepository_EnsureAsset_LookupError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewAssetRepository(mock)
	mock.ExpectQuery("FROM assets WHERE symbol = \\$1").WithArgs("MSFT").WillReturnError(errors.New("connection reset"))

	_, _, err = repo.EnsureAsset(context.Background(), "MSFT")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}
