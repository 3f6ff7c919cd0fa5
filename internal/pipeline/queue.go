package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/savaki/ftp-deployer/internal/dao/releasedao"
)

// RunFunc deploys one release. Runner.Deploy satisfies it.
type RunFunc func(ctx context.Context, id releasedao.ID) error

// Queue serializes deploys per site/env. Releases for different sites run
// concurrently; releases for the same site/env run one at a time in arrival
// order.
type Queue struct {
	run    RunFunc
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[releasedao.PK][]releasedao.ID
	active  map[releasedao.PK]bool
	wg      sync.WaitGroup
	closed  bool
}

// NewQueue creates an empty queue. Enqueued releases run on background
// goroutines until Shutdown.
func NewQueue(run RunFunc, logger zerolog.Logger) *Queue {
	logger = logger.With().Str("service", "queue").Logger()
	ctx, cancel := context.WithCancel(logger.WithContext(context.Background()))
	return &Queue{
		run:     run,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		pending: map[releasedao.PK][]releasedao.ID{},
		active:  map[releasedao.PK]bool{},
	}
}

// Enqueue schedules a release. The first release for an idle site/env starts
// immediately; others wait their turn.
func (q *Queue) Enqueue(id releasedao.ID) error {
	pk, _, err := releasedao.ParseID(id)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("queue is shut down")
	}

	q.pending[pk] = append(q.pending[pk], id)
	if !q.active[pk] {
		q.active[pk] = true
		q.wg.Add(1)
		go q.drain(pk)
	}
	return nil
}

// Depth reports how many releases are waiting or running for a site/env
func (q *Queue) Depth(pk releasedao.PK) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.pending[pk])
	if q.active[pk] {
		n++
	}
	return n
}

func (q *Queue) drain(pk releasedao.PK) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		queue := q.pending[pk]
		if len(queue) == 0 {
			delete(q.pending, pk)
			delete(q.active, pk)
			q.mu.Unlock()
			return
		}
		id := queue[0]
		q.pending[pk] = queue[1:]
		q.mu.Unlock()

		if err := q.run(q.ctx, id); err != nil {
			q.logger.Error().Err(err).Str("release", id.String()).Msg("Release failed")
		}
	}
}

// Shutdown stops intake and waits for in-flight releases to finish. When ctx
// expires first, running deploys are cancelled and the error is returned.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}
