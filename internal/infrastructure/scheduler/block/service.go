package blockscheduler

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/usdb-labs/vaultd/internal/core/ports"
)

const (
	defaultTickerInterval = 10 * time.Second
	tipRequestTimeout     = 10 * time.Second
)

type Option func(*service)

func WithTickerInterval(interval time.Duration) Option {
	return func(s *service) {
		s.interval = interval
	}
}

type scheduledTask struct {
	height int64
	run    func()
}

// service runs tasks once the chain tip reported by the node reaches their
// target height. The tip is polled on every tick while tasks are pending.
type service struct {
	node     ports.BitcoinNode
	interval time.Duration

	lock *sync.Mutex
	// sorted by height, tasks of the same height in scheduling order
	pending []scheduledTask

	stopCh   chan struct{}
	stopOnce *sync.Once
}

func NewScheduler(node ports.BitcoinNode, opts ...Option) (ports.SchedulerService, error) {
	if node == nil {
		return nil, fmt.Errorf("bitcoin node is required")
	}

	svc := &service{
		node:     node,
		interval: defaultTickerInterval,
		lock:     &sync.Mutex{},
		stopCh:   make(chan struct{}),
		stopOnce: &sync.Once{},
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.interval <= 0 {
		return nil, fmt.Errorf("invalid ticker interval %s", svc.interval)
	}

	return svc, nil
}

func (s *service) Start() {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.runDueTasks()
			}
		}
	}()
}

func (s *service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

func (s *service) Unit() ports.TimeUnit {
	return ports.BlockHeight
}

// AddNow returns the height that is expiry blocks past the current tip. If the
// tip can't be fetched, expiry is returned as is.
func (s *service) AddNow(expiry int64) int64 {
	tip, err := s.tipHeight()
	if err != nil {
		log.WithError(err).Warn("failed to fetch tip height")
		return expiry
	}
	return tip + expiry
}

func (s *service) AfterNow(height int64) bool {
	tip, err := s.tipHeight()
	if err != nil {
		return false
	}
	return height > tip
}

func (s *service) ScheduleTaskOnce(height int64, task func()) error {
	if task == nil {
		return fmt.Errorf("missing task")
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	i := sort.Search(len(s.pending), func(i int) bool {
		return s.pending[i].height > height
	})
	s.pending = slices.Insert(s.pending, i, scheduledTask{height, task})
	return nil
}

func (s *service) runDueTasks() {
	s.lock.Lock()
	empty := len(s.pending) == 0
	s.lock.Unlock()
	if empty {
		return
	}

	tip, err := s.tipHeight()
	if err != nil {
		log.WithError(err).Warn("failed to fetch tip height")
		return
	}

	due := s.popDueTasks(tip)
	if len(due) > 0 {
		log.Debugf("running %d tasks due at height %d", len(due), tip)
	}
	for _, task := range due {
		go task.run()
	}
}

func (s *service) popDueTasks(tip int64) []scheduledTask {
	s.lock.Lock()
	defer s.lock.Unlock()

	n := sort.Search(len(s.pending), func(i int) bool {
		return s.pending[i].height > tip
	})
	due := slices.Clone(s.pending[:n])
	s.pending = slices.Delete(s.pending, 0, n)
	return due
}

func (s *service) tipHeight() (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), tipRequestTimeout)
	defer cancel()

	tip, err := s.node.GetBlockCount(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get block count: %w", err)
	}
	return tip, nil
}
