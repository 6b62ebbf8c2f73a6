package payments

import (
	"math"

	"github.com/campusmart/server/internal/config"
	"github.com/campusmart/server/internal/storage"
)

// FeePolicy prices payments.
type FeePolicy interface {
	ListingFee() int64
	UnlockFee(product storage.Product) int64
	// FreeListing publishes products without charging the listing fee.
	FreeListing() bool
}

// TieredFeePolicy charges flat fees, scaling the unlock fee for products priced at or
// above PremiumThreshold.
type TieredFeePolicy struct {
	Listing           int64
	Unlock            int64
	PremiumThreshold  int64
	PremiumMultiplier float64
	Free              bool
}

// FeesFromConfig builds the configured fee policy.
func FeesFromConfig(cfg config.FeesConfig) TieredFeePolicy {
	return TieredFeePolicy{
		Listing:           cfg.ListingFee,
		Unlock:            cfg.UnlockFee,
		PremiumThreshold:  cfg.PremiumThreshold,
		PremiumMultiplier: cfg.PremiumMultiplier,
		Free:              cfg.FreeListing,
	}
}

func (p TieredFeePolicy) ListingFee() int64 { return p.Listing }

func (p TieredFeePolicy) FreeListing() bool { return p.Free }

func (p TieredFeePolicy) UnlockFee(product storage.Product) int64 {
	if p.PremiumThreshold <= 0 || p.PremiumMultiplier <= 0 || product.Price < p.PremiumThreshold {
		return p.Unlock
	}
	return int64(math.Ceil(float64(p.Unlock) * p.PremiumMultiplier))
}
