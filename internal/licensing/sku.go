package licensing

import (
	"fmt"
	"time"
)

// SKUOption maps a product code to a price and the rights a mint grants.
// Exactly one of Quota or Unlimited must be set.
type SKUOption struct {
	SKU       string `yaml:"sku" json:"sku"`
	Amount    int64  `yaml:"amount" json:"amount"`
	Quota     int    `yaml:"quota" json:"quota"`
	Unlimited bool   `yaml:"unlimited" json:"unlimited"`
	Days      int    `yaml:"days" json:"days"`
}

type Catalog map[string]SKUOption

// NewCatalog validates the configured SKU table at load time.
func NewCatalog(opts []SKUOption) (Catalog, error) {
	if len(opts) == 0 {
		return nil, fmt.Errorf("sku table is empty")
	}

	c := Catalog{}
	for _, opt := range opts {
		if opt.SKU == "" {
			return nil, fmt.Errorf("sku table entry missing sku")
		}
		if _, ok := c[opt.SKU]; ok {
			return nil, fmt.Errorf("duplicate sku %q", opt.SKU)
		}
		if opt.Amount <= 0 {
			return nil, fmt.Errorf("sku %q: amount must be positive", opt.SKU)
		}
		if opt.Unlimited {
			if opt.Days <= 0 {
				return nil, fmt.Errorf("sku %q: unlimited grant needs days", opt.SKU)
			}
		} else if opt.Quota <= 0 {
			return nil, fmt.Errorf("sku %q: quota must be positive", opt.SKU)
		}
		c[opt.SKU] = opt
	}

	return c, nil
}

// rights computes the entitlement a mint of this SKU grants at now.
func (o SKUOption) rights(now time.Time) Rights {
	if o.Unlimited {
		return Rights{
			Unlimited: true,
			ExpiresAt: now.Add(time.Duration(o.Days) * 24 * time.Hour).Unix(),
		}
	}
	return Rights{Quota: o.Quota}
}
