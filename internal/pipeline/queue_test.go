package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/savaki/ftp-deployer/internal/dao/releasedao"
	"github.com/stretchr/testify/assert"
)

func queueID(site, env, sk string) releasedao.ID {
	return releasedao.NewID(releasedao.NewPK(site, env), sk)
}

func TestQueue_RunsInArrivalOrder(t *testing.T) {
	var mu sync.Mutex
	var ran []releasedao.ID

	q := NewQueue(func(_ context.Context, id releasedao.ID) error {
		mu.Lock()
		defer mu.Unlock()
		ran = append(ran, id)
		return nil
	}, zerolog.Nop())

	ids := []releasedao.ID{
		queueID("blog", "prod", "aaa"),
		queueID("blog", "prod", "bbb"),
		queueID("blog", "prod", "ccc"),
	}
	for _, id := range ids {
		assert.NoError(t, q.Enqueue(id))
	}
	assert.NoError(t, q.Shutdown(context.Background()))

	assert.Equal(t, ids, ran)
}

func TestQueue_SerializesPerSiteEnv(t *testing.T) {
	var mu sync.Mutex
	current := map[releasedao.PK]int{}
	peak := map[releasedao.PK]int{}
	total := 0

	q := NewQueue(func(_ context.Context, id releasedao.ID) error {
		pk, _, _ := releasedao.ParseID(id)
		mu.Lock()
		current[pk]++
		if current[pk] > peak[pk] {
			peak[pk] = current[pk]
		}
		total++
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		current[pk]--
		mu.Unlock()
		return nil
	}, zerolog.Nop())

	for _, sk := range []string{"aaa", "bbb", "ccc"} {
		assert.NoError(t, q.Enqueue(queueID("blog", "prod", sk)))
		assert.NoError(t, q.Enqueue(queueID("shop", "staging", sk)))
	}
	assert.NoError(t, q.Shutdown(context.Background()))

	assert.Equal(t, 6, total)
	assert.Equal(t, 1, peak[releasedao.NewPK("blog", "prod")])
	assert.Equal(t, 1, peak[releasedao.NewPK("shop", "staging")])
}

func TestQueue_SitesDrainIndependently(t *testing.T) {
	release := make(chan struct{})
	otherRan := make(chan struct{})

	q := NewQueue(func(ctx context.Context, id releasedao.ID) error {
		if strings.HasPrefix(id.String(), "blog/") {
			select {
			case <-release:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		}
		close(otherRan)
		return nil
	}, zerolog.Nop())

	assert.NoError(t, q.Enqueue(queueID("blog", "prod", "aaa")))
	assert.NoError(t, q.Enqueue(queueID("shop", "prod", "bbb")))

	// The shop release finishes while the blog release is still blocked
	select {
	case <-otherRan:
	case <-time.After(5 * time.Second):
		t.Fatal("shop release never ran while blog held its own queue")
	}

	close(release)
	assert.NoError(t, q.Shutdown(context.Background()))
}

func TestQueue_DepthCountsWaitingAndRunning(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	q := NewQueue(func(ctx context.Context, id releasedao.ID) error {
		if id == queueID("blog", "prod", "aaa") {
			close(started)
		}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}, zerolog.Nop())

	pk := releasedao.NewPK("blog", "prod")
	assert.NoError(t, q.Enqueue(queueID("blog", "prod", "aaa")))
	assert.NoError(t, q.Enqueue(queueID("blog", "prod", "bbb")))

	<-started
	assert.Equal(t, 2, q.Depth(pk))
	assert.Equal(t, 0, q.Depth(releasedao.NewPK("shop", "prod")))

	close(release)
	assert.NoError(t, q.Shutdown(context.Background()))
	assert.Equal(t, 0, q.Depth(pk))
}

func TestQueue_ShutdownStopsIntake(t *testing.T) {
	q := NewQueue(func(context.Context, releasedao.ID) error { return nil }, zerolog.Nop())
	assert.NoError(t, q.Shutdown(context.Background()))

	err := q.Enqueue(queueID("blog", "prod", "aaa"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "shut down")
}

func TestQueue_ShutdownCancelsStuckReleases(t *testing.T) {
	started := make(chan struct{})

	q := NewQueue(func(ctx context.Context, _ releasedao.ID) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, zerolog.Nop())

	assert.NoError(t, q.Enqueue(queueID("blog", "prod", "aaa")))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := q.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_RejectsMalformedID(t *testing.T) {
	q := NewQueue(func(context.Context, releasedao.ID) error { return nil }, zerolog.Nop())
	defer q.Shutdown(context.Background())

	err := q.Enqueue(releasedao.ID("not-a-release-id"))
	assert.Error(t, err)
}
