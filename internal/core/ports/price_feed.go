package ports

import "context"

type PriceFeed interface {
	GetBtcUsdPrice(ctx context.Context) (float64, error)
}
