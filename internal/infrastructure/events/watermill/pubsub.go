package watermillbus

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	watermillSQL "github.com/ThreeDotsLabs/watermill-sql/v3/pkg/sql"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	log "github.com/sirupsen/logrus"
	"github.com/usdb-labs/vaultd/internal/core/ports"
)

const (
	consumerGroup      = "vaultd"
	outputBufferSize   = 256
	sqlPollingInterval = time.Second
)

// NewInMemoryEventBus keeps events in process, they are lost on restart.
func NewInMemoryEventBus() ports.EventBus {
	pubsub := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: outputBufferSize},
		NewLogger("eventbus"),
	)
	return NewEventBus(pubsub, pubsub)
}

// NewPostgresEventBus persists events in the watermill_<topic> tables of the
// given database so that handlers pick up what was published while offline.
func NewPostgresEventBus(db *sql.DB) (ports.EventBus, error) {
	logger := NewLogger("eventbus")

	publisher, err := watermillSQL.NewPublisher(
		db,
		watermillSQL.PublisherConfig{
			SchemaAdapter:        watermillSQL.DefaultPostgreSQLSchema{},
			AutoInitializeSchema: true,
		},
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("cannot open event publisher: %w", err)
	}

	subscriber, err := watermillSQL.NewSubscriber(
		db,
		watermillSQL.SubscriberConfig{
			ConsumerGroup:    consumerGroup,
			PollInterval:     sqlPollingInterval,
			SchemaAdapter:    watermillSQL.DefaultPostgreSQLSchema{},
			OffsetsAdapter:   watermillSQL.DefaultPostgreSQLOffsetsAdapter{},
			InitializeSchema: true,
		},
		logger,
	)
	if err != nil {
		//nolint:errcheck
		publisher.Close()
		return nil, fmt.Errorf("cannot open event subscriber: %w", err)
	}

	return NewEventBus(publisher, subscriber), nil
}

// Logger adapts logrus to watermill's logger.
type Logger struct {
	entry *log.Entry
}

func NewLogger(component string) watermill.LoggerAdapter {
	return &Logger{log.WithField("component", component)}
}

func (l *Logger) Error(msg string, err error, fields watermill.LogFields) {
	l.with(fields).WithError(err).Error(msg)
}

func (l *Logger) Info(msg string, fields watermill.LogFields) {
	// watermill is chatty at info
	l.with(fields).Debug(msg)
}

func (l *Logger) Debug(msg string, fields watermill.LogFields) {
	l.with(fields).Trace(msg)
}

func (l *Logger) Trace(msg string, fields watermill.LogFields) {
	l.with(fields).Trace(msg)
}

func (l *Logger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &Logger{l.with(fields)}
}

func (l *Logger) with(fields watermill.LogFields) *log.Entry {
	return l.entry.WithFields(log.Fields(fields))
}
