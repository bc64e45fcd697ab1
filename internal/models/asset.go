package models

import (
	"fmt"
	"strings"
	"time"
)

// AssetType identifies which provider implementation serves an asset.
type AssetType int

const (
	AssetTypeUnknown AssetType = iota
	AssetTypeStock
	AssetTypeCrypto
)

// String returns the database representation of the asset type.
func (t AssetType) String() string {
	switch t {
	case AssetTypeStock:
		return "stock"
	case AssetTypeCrypto:
		return "crypto"
	default:
		return "unknown"
	}
}

// ParseAssetType converts the asset_type column value into an AssetType.
func ParseAssetType(s string) (AssetType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "stock", "equity", "etf":
		return AssetTypeStock, nil
	case "crypto", "cryptocurrency":
		return AssetTypeCrypto, nil
	default:
		return AssetTypeUnknown, fmt.Errorf("unknown asset type %q", s)
	}
}

// Asset represents a row of the assets table
type Asset struct {
	ID             int64     `json:"id" db:"id"`
	Symbol         string    `json:"symbol" db:"symbol"`
	Name           string    `json:"name" db:"name"`
	AssetType      AssetType `json:"asset_type" db:"asset_type"`
	Exchange       string    `json:"exchange" db:"exchange"`
	NativeCurrency string    `json:"native_currency" db:"native_currency"`
	IsActive       bool      `json:"is_active" db:"is_active"`
}

// TrackedAsset is an asset with at least one active consumer.
type TrackedAsset struct {
	AssetID         int64      `json:"asset_id" db:"asset_id"`
	Symbol          string     `json:"symbol" db:"symbol"`
	AssetType       AssetType  `json:"asset_type" db:"asset_type"`
	LastPriceUpdate *time.Time `json:"last_price_update,omitempty" db:"last_price_update"`
	TrackingUsers   int        `json:"tracking_users" db:"tracking_users"`
}
