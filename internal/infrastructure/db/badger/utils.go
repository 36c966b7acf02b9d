package badgerdb

import (
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
	log "github.com/sirupsen/logrus"
	"github.com/timshannon/badgerhold/v4"
)

const (
	maxRetries    = 5
	retryInterval = 100 * time.Millisecond
)

func createDB(dbDir string, logger badger.Logger) (*badgerhold.Store, error) {
	isInMemory := len(dbDir) <= 0

	opts := badger.DefaultOptions(dbDir)
	opts.Logger = logger

	if isInMemory {
		opts.InMemory = true
	}

	return badgerhold.Open(badgerhold.Options{
		Encoder:          badgerhold.DefaultEncode,
		Decoder:          badgerhold.DefaultDecode,
		SequenceBandwith: 100,
		Options:          opts,
	})
}

// withRetry runs fn in a read-write transaction, retrying when badger reports
// a conflict with a concurrent transaction.
func withRetry(store *badgerhold.Store, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = store.Badger().Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		time.Sleep(retryInterval)
	}
	return err
}

// Logger adapts logrus to the badger logging interface. Badger info and debug
// messages are demoted to debug and trace.
type Logger struct {
	entry *log.Entry
}

func NewLogger(store string) badger.Logger {
	return &Logger{log.WithField("store", store)}
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
}

func (l *Logger) Warningf(format string, args ...interface{}) {
	l.entry.Warnf(format, args...)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.entry.Tracef(format, args...)
}
