package services

import (
	"encoding/json"
	"errors"
	"os"
	"regexp"

	"github.com/sirupsen/logrus"
)

var tickerPattern = regexp.MustCompile(`^[A-Z]{1,5}(\.[A-Z]{1,2})?$`)

// SymbolCatalog is the JSON document listing the symbols to backfill.
type SymbolCatalog struct {
	Name        string    `json:"name"`
	LastUpdated string    `json:"last_updated"`
	Symbols     *[]string `json:"symbols"`
}

// ValidTicker reports whether symbol is 1-5 uppercase letters with an
// optional ".X" or ".XX" share class suffix.
func ValidTicker(symbol string) bool {
	return tickerPattern.MatchString(symbol)
}

// FilterSymbols keeps the well-formed tickers and logs the rest.
func FilterSymbols(symbols []string, logger *logrus.Logger) []string {
	valid := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if ValidTicker(s) {
			valid = append(valid, s)
			continue
		}
		logger.WithField("symbol", s).Warn("Invalid symbol format, skipping")
	}
	return valid
}

// LoadSymbols reads the catalog at path and returns its valid tickers. A
// missing file, malformed JSON or an absent or empty symbol list is a
// *ConfigError.
func LoadSymbols(path string, logger *logrus.Logger) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &ConfigError{Path: path, Reason: "config file not found", Err: err}
		}
		return nil, &ConfigError{Path: path, Reason: "failed to read config file", Err: err}
	}

	var catalog SymbolCatalog
	if err := json.Unmarshal(raw, &catalog); err != nil {
		return nil, &ConfigError{Path: path, Reason: "invalid JSON", Err: err}
	}
	if catalog.Symbols == nil {
		return nil, &ConfigError{Path: path, Reason: "missing 'symbols' field"}
	}
	if len(*catalog.Symbols) == 0 {
		return nil, &ConfigError{Path: path, Reason: "'symbols' list is empty"}
	}

	symbols := *catalog.Symbols
	valid := FilterSymbols(symbols, logger)

	logger.WithFields(logrus.Fields{
		"path":    path,
		"catalog": catalog.Name,
		"valid":   len(valid),
		"invalid": len(symbols) - len(valid),
	}).Info("Loaded symbols")

	return valid, nil
}
