package ports

import (
	"context"

	"github.com/usdb-labs/vaultd/internal/core/domain"
)

type EventBus interface {
	Publish(ctx context.Context, events ...domain.Event) error
	RegisterEventsHandler(topic string, handler func(event domain.Event))
	Close()
}
