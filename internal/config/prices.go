package config

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/viper"
)

// PriceCatalog maps service type -> tier -> cadence -> processor price id.
//
//	prices:
//	  venue:
//	    premium:
//	      monthly: price_venue_premium_m
//	      annual: price_venue_premium_y
type PriceCatalog struct {
	Prices map[string]map[string]map[string]string `mapstructure:"prices"`
}

// LoadPriceCatalog reads the catalog file. PRICES_* environment variables
// override single entries, e.g. PRICES_VENUE_PREMIUM_MONTHLY.
func LoadPriceCatalog(path string) (*PriceCatalog, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read price catalog %s: %w", path, err)
	}
	return decodeCatalog(v)
}

// ParsePriceCatalog reads a YAML catalog from r
func ParsePriceCatalog(r io.Reader) (*PriceCatalog, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(r); err != nil {
		return nil, fmt.Errorf("failed to parse price catalog: %w", err)
	}
	return decodeCatalog(v)
}

func decodeCatalog(v *viper.Viper) (*PriceCatalog, error) {
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var c PriceCatalog
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to decode price catalog: %w", err)
	}
	if c.Prices == nil {
		c.Prices = map[string]map[string]map[string]string{}
	}
	// AutomaticEnv only applies to Get, so overrides are resolved per known key
	for service, tiers := range c.Prices {
		for tier, cadences := range tiers {
			for cadence := range cadences {
				key := strings.Join([]string{"prices", service, tier, cadence}, ".")
				if override := v.GetString(key); override != "" {
					cadences[cadence] = override
				}
			}
		}
	}
	return &c, nil
}

// PriceFor returns the price id configured for the combination
func (c *PriceCatalog) PriceFor(serviceType, tier, cadence string) (string, bool) {
	if c == nil {
		return "", false
	}
	id, ok := c.Prices[strings.ToLower(serviceType)][strings.ToLower(tier)][strings.ToLower(cadence)]
	return id, ok && id != ""
}
