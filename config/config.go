package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
)

// Config is the top-level daemon configuration decoded from TOML.
type Config struct {
	ListenAddress  string  `toml:"ListenAddress"`
	DataDir        string  `toml:"DataDir"`
	CustodyAddress string  `toml:"CustodyAddress"`
	Engine         Engine  `toml:"engine"`
	Oracle         Oracle  `toml:"oracle"`
	Logging        Logging `toml:"logging"`
	Assets         []Asset `toml:"assets"`
}

// Engine holds the risk parameters applied to every position.
type Engine struct {
	LiquidationThresholdBps uint64 `toml:"LiquidationThresholdBps"`
	LiquidationBonusBps     uint64 `toml:"LiquidationBonusBps"`
}

// Oracle bounds how old a price observation may be before it is rejected.
type Oracle struct {
	MaxQuoteAgeSeconds uint64 `toml:"MaxQuoteAgeSeconds"`
}

// Logging selects the environment label and optional rotating log file.
type Logging struct {
	Environment string `toml:"Environment"`
	FilePath    string `toml:"FilePath"`
	MaxSizeMB   int    `toml:"MaxSizeMB"`
	MaxBackups  int    `toml:"MaxBackups"`
	MaxAgeDays  int    `toml:"MaxAgeDays"`
}

// Asset declares one accepted collateral asset and its price feed.
type Asset struct {
	Symbol       string `toml:"Symbol"`
	Address      string `toml:"Address"`
	Feed         string `toml:"Feed"`
	FeedDecimals uint8  `toml:"FeedDecimals"`
	ManualPrice  string `toml:"ManualPrice"`
	FeedURL      string `toml:"FeedURL"`
}

// Load decodes the configuration at path and applies defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s contains unknown key %s", path, undecoded[0])
	}
	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalise fills in defaults for optional fields.
func (c *Config) Normalise() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = "127.0.0.1:8551"
	}
	if c.Engine.LiquidationThresholdBps == 0 {
		c.Engine.LiquidationThresholdBps = 5000
	}
	if c.Engine.LiquidationBonusBps == 0 {
		c.Engine.LiquidationBonusBps = 1000
	}
	if c.Oracle.MaxQuoteAgeSeconds == 0 {
		c.Oracle.MaxQuoteAgeSeconds = 3 * 60 * 60
	}
	if strings.TrimSpace(c.Logging.Environment) == "" {
		c.Logging.Environment = "development"
	}
	if c.Logging.FilePath != "" {
		if c.Logging.MaxSizeMB == 0 {
			c.Logging.MaxSizeMB = 100
		}
		if c.Logging.MaxBackups == 0 {
			c.Logging.MaxBackups = 7
		}
	}
	for i := range c.Assets {
		c.Assets[i].Symbol = strings.ToUpper(strings.TrimSpace(c.Assets[i].Symbol))
		c.Assets[i].Feed = strings.ToUpper(strings.TrimSpace(c.Assets[i].Feed))
		if c.Assets[i].Feed == "" {
			c.Assets[i].Feed = c.Assets[i].Symbol + "-USD"
		}
		if c.Assets[i].FeedDecimals == 0 {
			c.Assets[i].FeedDecimals = 8
		}
	}
}

// Validate rejects configurations the engine cannot be constructed from.
func (c *Config) Validate() error {
	if c.Engine.LiquidationThresholdBps > 10_000 {
		return fmt.Errorf("engine: LiquidationThresholdBps exceeds 10000")
	}
	if c.Engine.LiquidationBonusBps > 10_000 {
		return fmt.Errorf("engine: LiquidationBonusBps exceeds 10000")
	}
	if strings.TrimSpace(c.CustodyAddress) == "" {
		return fmt.Errorf("CustodyAddress is required")
	}
	if !common.IsHexAddress(c.CustodyAddress) {
		return fmt.Errorf("CustodyAddress %q is not a valid address", c.CustodyAddress)
	}
	if len(c.Assets) == 0 {
		return fmt.Errorf("at least one [[assets]] entry is required")
	}
	seen := make(map[common.Address]string, len(c.Assets))
	for _, asset := range c.Assets {
		if asset.Symbol == "" {
			return fmt.Errorf("asset with address %q has no Symbol", asset.Address)
		}
		if !common.IsHexAddress(asset.Address) {
			return fmt.Errorf("asset %s: address %q is not a valid address", asset.Symbol, asset.Address)
		}
		addr := common.HexToAddress(asset.Address)
		if prev, ok := seen[addr]; ok {
			return fmt.Errorf("asset %s: address already registered for %s", asset.Symbol, prev)
		}
		seen[addr] = asset.Symbol
		if asset.ManualPrice == "" && asset.FeedURL == "" {
			return fmt.Errorf("asset %s: either ManualPrice or FeedURL must be set", asset.Symbol)
		}
		if asset.FeedDecimals > 30 {
			return fmt.Errorf("asset %s: FeedDecimals %d out of range", asset.Symbol, asset.FeedDecimals)
		}
	}
	return nil
}

// Custody returns the parsed custody address. Validate must have passed.
func (c *Config) Custody() common.Address {
	return common.HexToAddress(c.CustodyAddress)
}

// AssetAddress returns the parsed address for an asset entry.
func (a Asset) AssetAddress() common.Address {
	return common.HexToAddress(a.Address)
}
