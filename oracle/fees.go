package oracle

import (
	"context"
	"math/big"

	"github.com/rs/zerolog"
)

const (
	// priorityPremiumWei is added on top of the block base fee (2 gwei).
	priorityPremiumWei = 2_000_000_000

	// fallbackGasPriceWei is the hard fallback when no estimate source is
	// reachable (40 gwei), deliberately high so the transaction still lands.
	fallbackGasPriceWei = 40_000_000_000

	feeSourceAdaptive = "adaptive-fee"
	feeSourceLegacy   = "legacy-price"
	feeSourceFallback = "fallback"
)

// Quote is a per-submission gas price and the source that produced it. The
// source tells the submitter whether fee escalation is meaningful.
type Quote struct {
	Price  *big.Int
	Source string
}

// feeEstimator computes a gas price from the best available source. It never
// returns an error: each source falls through to the next and the last one
// is a constant.
type feeEstimator struct {
	client chainClient
	log    zerolog.Logger
}

func newFeeEstimator(client chainClient, log zerolog.Logger) *feeEstimator {
	return &feeEstimator{
		client: client,
		log:    log.With().Str("component", "fee_estimator").Logger(),
	}
}

// estimate tries, in order: latest block base fee plus a fixed priority
// premium; the node's suggested price plus a 20% buffer; the hard fallback.
func (f *feeEstimator) estimate(ctx context.Context) Quote {
	if f.client != nil {
		header, err := f.client.HeaderByNumber(ctx, nil)
		if err == nil && header != nil && header.BaseFee != nil && header.BaseFee.Sign() > 0 {
			price := new(big.Int).Add(header.BaseFee, big.NewInt(priorityPremiumWei))
			f.log.Debug().
				Str("source", feeSourceAdaptive).
				Str("base_fee_wei", header.BaseFee.String()).
				Str("price_wei", price.String()).
				Msg("fee quote")
			return Quote{Price: price, Source: feeSourceAdaptive}
		}
		if err != nil {
			f.log.Warn().Err(err).Msg("base fee unavailable, trying suggested gas price")
		} else {
			f.log.Debug().Msg("chain exposes no base fee, trying suggested gas price")
		}

		suggested, err := f.client.SuggestGasPrice(ctx)
		if err == nil && suggested != nil && suggested.Sign() > 0 {
			price := new(big.Int).Mul(suggested, big.NewInt(120))
			price.Div(price, big.NewInt(100))
			f.log.Debug().
				Str("source", feeSourceLegacy).
				Str("suggested_wei", suggested.String()).
				Str("price_wei", price.String()).
				Msg("fee quote")
			return Quote{Price: price, Source: feeSourceLegacy}
		}
		if err != nil {
			f.log.Warn().Err(err).Msg("suggested gas price unavailable, using fallback")
		}
	}

	f.log.Warn().
		Str("source", feeSourceFallback).
		Int64("price_wei", fallbackGasPriceWei).
		Msg("fee quote from hard fallback")
	return Quote{Price: big.NewInt(fallbackGasPriceWei), Source: feeSourceFallback}
}
