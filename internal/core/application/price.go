package application

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/usdb-labs/vaultd/internal/core/ports"
)

const DefaultFallbackPriceUsd = 100_734.10

type priceQuote struct {
	price         float64
	usingFallback bool
}

// priceSource serves the BTC/USD price from the feed, degrading to the last
// price seen and then to the configured fallback when the feed fails.
type priceSource struct {
	feed     ports.PriceFeed
	fallback float64

	lock      *sync.RWMutex
	lastPrice float64
}

func newPriceSource(feed ports.PriceFeed, fallback float64) *priceSource {
	if fallback <= 0 {
		fallback = DefaultFallbackPriceUsd
	}
	return &priceSource{feed: feed, fallback: fallback, lock: &sync.RWMutex{}}
}

func (p *priceSource) quote(ctx context.Context) priceQuote {
	if p.feed != nil {
		price, err := p.feed.GetBtcUsdPrice(ctx)
		if err == nil && price > 0 {
			p.lock.Lock()
			p.lastPrice = price
			p.lock.Unlock()
			return priceQuote{price: price}
		}
		if err != nil {
			log.WithError(err).Warn("price feed unavailable, using fallback price")
		}
	}

	p.lock.RLock()
	defer p.lock.RUnlock()
	if p.lastPrice > 0 {
		return priceQuote{price: p.lastPrice, usingFallback: true}
	}
	return priceQuote{price: p.fallback, usingFallback: true}
}
