// internal/historian/historian.go

// Package historian drains the action queue from Redis into Postgres in batches.
package historian

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jason-s-yu/pairplay/internal/cache"
	"github.com/jason-s-yu/pairplay/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Repository is where batches land. database.Repository implements it.
type Repository interface {
	SaveActions(ctx context.Context, actions []models.Action) error
	MarkInactive(ctx context.Context, room string) error
}

// Options tune the service. Zero values get defaults.
type Options struct {
	Queue       string
	BatchSize   int
	FlushDelay  time.Duration
	PopTimeout  time.Duration
	Inactivity  time.Duration
	SweepPeriod time.Duration
}

func (o *Options) defaults() {
	if o.Queue == "" {
		o.Queue = cache.DefaultQueueName
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 20
	}
	if o.FlushDelay <= 0 {
		o.FlushDelay = 500 * time.Millisecond
	}
	if o.PopTimeout <= 0 {
		o.PopTimeout = 3 * time.Second
	}
	if o.Inactivity <= 0 {
		o.Inactivity = 10 * time.Minute
	}
	if o.SweepPeriod <= 0 {
		o.SweepPeriod = time.Minute
	}
}

// Service pops actions, batches them and flushes them to the repository. Rooms that stay
// quiet longer than Inactivity are marked inactive.
type Service struct {
	rdb  *redis.Client
	repo Repository
	opts Options
	log  *logrus.Logger

	lastActivity sync.Map // room -> time.Time

	batchMu sync.Mutex
	batch   []models.Action
}

func New(rdb *redis.Client, repo Repository, opts Options, logger *logrus.Logger) *Service {
	opts.defaults()
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{
		rdb:   rdb,
		repo:  repo,
		opts:  opts,
		log:   logger,
		batch: make([]models.Action, 0, opts.BatchSize),
	}
}

// Run blocks until ctx is done, then flushes what is left.
func (s *Service) Run(ctx context.Context) {
	s.log.WithField("queue", s.opts.Queue).Info("historian started")
	go s.sweepLoop(ctx)
	s.readLoop(ctx)
	s.flush(context.Background())
	s.log.Info("historian stopped")
}

func (s *Service) readLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.FlushDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flush(ctx)
		default:
			res, err := s.rdb.BLPop(ctx, s.opts.PopTimeout, s.opts.Queue).Result()
			if err != nil {
				if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
					s.log.Errorf("historian: BLPop: %v", err)
					time.Sleep(100 * time.Millisecond)
				}
				continue
			}
			// res[0] is the queue name and res[1] the payload.
			if len(res) < 2 {
				continue
			}
			var action models.Action
			if err := json.Unmarshal([]byte(res[1]), &action); err != nil {
				s.log.Warnf("historian: invalid action record: %v", err)
				continue
			}
			s.lastActivity.Store(action.Room, time.Now())
			s.append(ctx, action)
		}
	}
}

func (s *Service) append(ctx context.Context, action models.Action) {
	s.batchMu.Lock()
	s.batch = append(s.batch, action)
	full := len(s.batch) >= s.opts.BatchSize
	s.batchMu.Unlock()
	if full {
		s.flush(ctx)
	}
}

// flush writes the pending batch in one transaction. A failed batch is logged and dropped.
func (s *Service) flush(ctx context.Context) {
	s.batchMu.Lock()
	if len(s.batch) == 0 {
		s.batchMu.Unlock()
		return
	}
	pending := make([]models.Action, len(s.batch))
	copy(pending, s.batch)
	s.batch = s.batch[:0]
	s.batchMu.Unlock()

	if err := s.repo.SaveActions(ctx, pending); err != nil {
		s.log.Errorf("historian: flush %d actions: %v", len(pending), err)
		return
	}
	s.log.Debugf("historian: flushed %d actions", len(pending))
}

func (s *Service) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.SweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.sweep(ctx, now)
		}
	}
}

// sweep marks rooms idle past the inactivity window.
func (s *Service) sweep(ctx context.Context, now time.Time) {
	s.lastActivity.Range(func(key, val any) bool {
		room, ok1 := key.(string)
		last, ok2 := val.(time.Time)
		if ok1 && ok2 && now.Sub(last) > s.opts.Inactivity {
			if err := s.repo.MarkInactive(ctx, room); err != nil {
				s.log.Warnf("historian: mark %s inactive: %v", room, err)
				return true
			}
			s.log.WithField("room", room).Info("historian: room marked inactive")
			s.lastActivity.Delete(room)
		}
		return true
	})
}
