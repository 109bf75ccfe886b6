package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Market describes one tradable symbol and its commission schedule.
// Fee rates are expressed in parts per million of the trade notional.
type Market struct {
	Symbol      string `yaml:"symbol"`
	BaseAsset   string `yaml:"base_asset"`
	QuoteAsset  string `yaml:"quote_asset"`
	MakerFeePPM int64  `yaml:"maker_fee_ppm"`
	TakerFeePPM int64  `yaml:"taker_fee_ppm"`
}

type marketsFile struct {
	Markets []Market `yaml:"markets"`
}

// LoadMarkets reads the YAML market registry and validates every entry.
func LoadMarkets(path string) ([]Market, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read markets file: %w", err)
	}
	var f marketsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse markets file: %w", err)
	}
	if len(f.Markets) == 0 {
		return nil, fmt.Errorf("markets file %s declares no markets", path)
	}
	seen := make(map[string]bool, len(f.Markets))
	for i, m := range f.Markets {
		if m.Symbol == "" || m.BaseAsset == "" || m.QuoteAsset == "" {
			return nil, fmt.Errorf("market %d: symbol, base_asset and quote_asset are required", i)
		}
		if m.BaseAsset == m.QuoteAsset {
			return nil, fmt.Errorf("market %s: base and quote asset must differ", m.Symbol)
		}
		if m.MakerFeePPM < 0 || m.MakerFeePPM >= 1_000_000 ||
			m.TakerFeePPM < 0 || m.TakerFeePPM >= 1_000_000 {
			return nil, fmt.Errorf("market %s: fee rates must be in [0, 1000000) ppm", m.Symbol)
		}
		if seen[m.Symbol] {
			return nil, fmt.Errorf("market %s declared twice", m.Symbol)
		}
		seen[m.Symbol] = true
	}
	return f.Markets, nil
}
