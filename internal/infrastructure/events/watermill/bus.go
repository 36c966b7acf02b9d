package watermillbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	log "github.com/sirupsen/logrus"
	"github.com/usdb-labs/vaultd/internal/core/domain"
	"github.com/usdb-labs/vaultd/internal/core/ports"
)

type eventBus struct {
	publisher  message.Publisher
	subscriber message.Subscriber

	handlers    map[string][]func(domain.Event) // topic -> handlers
	handlerLock *sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     *sync.WaitGroup
}

// NewEventBus delivers published events to the handlers registered for their
// topic. Handlers of a topic run one event at a time.
func NewEventBus(publisher message.Publisher, subscriber message.Subscriber) ports.EventBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &eventBus{
		publisher:   publisher,
		subscriber:  subscriber,
		handlers:    make(map[string][]func(domain.Event)),
		handlerLock: &sync.RWMutex{},
		ctx:         ctx,
		cancel:      cancel,
		wg:          &sync.WaitGroup{},
	}
}

func (b *eventBus) Publish(_ context.Context, events ...domain.Event) error {
	byTopic := make(map[string][]*message.Message)
	topics := make([]string, 0)
	for _, event := range events {
		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to serialize event %s: %w", event.GetType(), err)
		}
		topic := event.GetTopic()
		if _, ok := byTopic[topic]; !ok {
			topics = append(topics, topic)
		}
		byTopic[topic] = append(byTopic[topic], message.NewMessage(watermill.NewUUID(), payload))
	}

	for _, topic := range topics {
		if err := b.publisher.Publish(topic, byTopic[topic]...); err != nil {
			return fmt.Errorf("failed to publish events on topic %s: %w", topic, err)
		}
	}
	return nil
}

func (b *eventBus) RegisterEventsHandler(topic string, handler func(event domain.Event)) {
	b.handlerLock.Lock()
	defer b.handlerLock.Unlock()

	if _, ok := b.handlers[topic]; !ok {
		b.handlers[topic] = make([]func(domain.Event), 0)
		if err := b.subscribe(topic); err != nil {
			log.WithError(err).Errorf("failed to subscribe to topic %s", topic)
			return
		}
	}
	b.handlers[topic] = append(b.handlers[topic], handler)
}

func (b *eventBus) Close() {
	b.cancel()
	//nolint:errcheck
	b.publisher.Close()
	//nolint:errcheck
	b.subscriber.Close()
	b.wg.Wait()
}

func (b *eventBus) subscribe(topic string) error {
	messages, err := b.subscriber.Subscribe(b.ctx, topic)
	if err != nil {
		return err
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range messages {
			b.dispatch(topic, msg)
		}
	}()
	return nil
}

func (b *eventBus) dispatch(topic string, msg *message.Message) {
	defer msg.Ack()

	event, err := deserializeEvent(msg.Payload)
	if err != nil {
		log.WithError(err).Warnf("failed to deserialize event: %s", string(msg.Payload))
		return
	}

	b.handlerLock.RLock()
	handlers := append([]func(domain.Event){}, b.handlers[topic]...)
	b.handlerLock.RUnlock()

	for _, handler := range handlers {
		runHandler(handler, event)
	}
}

func runHandler(handler func(domain.Event), event domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("event handler panicked on %s: %v", event.GetType(), r)
		}
	}()
	handler(event)
}

func deserializeEvent(buf []byte) (domain.Event, error) {
	var eventType struct {
		Type domain.EventType
	}

	if err := json.Unmarshal(buf, &eventType); err != nil {
		return nil, err
	}

	switch eventType.Type {
	case domain.EventTypeVaultCreated:
		var event = domain.VaultCreated{}
		if err := json.Unmarshal(buf, &event); err == nil {
			return event, nil
		}
	case domain.EventTypeVaultHealthChanged:
		var event = domain.VaultHealthChanged{}
		if err := json.Unmarshal(buf, &event); err == nil {
			return event, nil
		}
	case domain.EventTypeVaultWithdrawn:
		var event = domain.VaultWithdrawn{}
		if err := json.Unmarshal(buf, &event); err == nil {
			return event, nil
		}
	}

	return nil, fmt.Errorf("unknown event")
}
