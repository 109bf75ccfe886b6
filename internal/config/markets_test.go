package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"MatchLedger/internal/config"
)

func writeMarketsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "markets.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write markets file: %v", err)
	}
	return path
}

func TestLoadMarkets_Valid(t *testing.T) {
	path := writeMarketsFile(t, `
markets:
  - symbol: BTC-USDT
    base_asset: BTC
    quote_asset: USDT
    maker_fee_ppm: 1000
    taker_fee_ppm: 2000
  - symbol: ETH-USDT
    base_asset: ETH
    quote_asset: USDT
`)
	markets, err := config.LoadMarkets(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(markets) != 2 {
		t.Fatalf("got %d markets, want 2", len(markets))
	}
	if markets[0].Symbol != "BTC-USDT" || markets[0].TakerFeePPM != 2000 {
		t.Errorf("first market = %+v", markets[0])
	}
	// Fees default to zero when omitted.
	if markets[1].MakerFeePPM != 0 || markets[1].TakerFeePPM != 0 {
		t.Errorf("second market fees = %+v", markets[1])
	}
}

func TestLoadMarkets_Invalid(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"empty registry", "markets: []\n"},
		{"missing base asset", `
markets:
  - symbol: BTC-USDT
    quote_asset: USDT
`},
		{"base equals quote", `
markets:
  - symbol: USDT-USDT
    base_asset: USDT
    quote_asset: USDT
`},
		{"fee out of range", `
markets:
  - symbol: BTC-USDT
    base_asset: BTC
    quote_asset: USDT
    taker_fee_ppm: 1000000
`},
		{"duplicate symbol", `
markets:
  - symbol: BTC-USDT
    base_asset: BTC
    quote_asset: USDT
  - symbol: BTC-USDT
    base_asset: BTC
    quote_asset: USDT
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeMarketsFile(t, tc.content)
			if _, err := config.LoadMarkets(path); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestLoadMarkets_MissingFile(t *testing.T) {
	if _, err := config.LoadMarkets(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}
