package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triadlabs/magi/core"
)

// collector accumulates delivered messages and signals each arrival.
type collector struct {
	mu       sync.Mutex
	messages []core.Message
	arrived  chan struct{}
}

func newCollector() *collector {
	return &collector{arrived: make(chan struct{}, 64)}
}

func (c *collector) handle(_ context.Context, msg core.Message) error {
	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.mu.Unlock()
	c.arrived <- struct{}{}
	return nil
}

func (c *collector) waitFor(t *testing.T, n int) []core.Message {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.arrived:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for delivery %d of %d", i+1, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

func startedBus(t *testing.T) *Bus {
	t.Helper()
	b := New()
	b.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
	})
	return b
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := startedBus(t)
	c := newCollector()

	_, err := b.Subscribe(core.ParticipantMelchior, c.handle)
	require.NoError(t, err)

	id, err := b.Publish(core.ParticipantUser, core.ParticipantMelchior, "hello", core.KindRequest)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got := c.waitFor(t, 1)
	assert.Equal(t, "hello", got[0].Content)
	assert.Equal(t, core.ParticipantUser, got[0].Sender)
	assert.Equal(t, id, got[0].ID)
}

func TestPublishWithoutSubscribersIsSilent(t *testing.T) {
	b := startedBus(t)

	_, err := b.Publish(core.ParticipantUser, core.ParticipantCaspar, "anyone there?", core.KindRequest)
	assert.NoError(t, err)
}

func TestPublishRejectsInvalidParticipant(t *testing.T) {
	b := startedBus(t)

	_, err := b.Publish(core.Participant("ghost"), core.ParticipantMelchior, "boo", core.KindRequest)
	assert.Error(t, err)
}

func TestPublishRequiresStart(t *testing.T) {
	b := New()

	_, err := b.Publish(core.ParticipantUser, core.ParticipantMagi, "too early", core.KindRequest)
	assert.Error(t, err)
}

func TestDeliveryOrderMatchesPublishOrder(t *testing.T) {
	b := startedBus(t)
	c := newCollector()

	_, err := b.Subscribe(core.ParticipantMagi, c.handle)
	require.NoError(t, err)

	contents := []string{"one", "two", "three", "four", "five"}
	for _, content := range contents {
		_, err := b.Publish(core.ParticipantUser, core.ParticipantMagi, content, core.KindRequest)
		require.NoError(t, err)
	}

	got := c.waitFor(t, len(contents))
	for i, content := range contents {
		assert.Equal(t, content, got[i].Content)
	}
}

func TestEverySubscriberReceivesEachMessage(t *testing.T) {
	b := startedBus(t)
	first := newCollector()
	second := newCollector()

	_, err := b.Subscribe(core.ParticipantMagi, first.handle)
	require.NoError(t, err)
	_, err = b.Subscribe(core.ParticipantMagi, second.handle)
	require.NoError(t, err)

	_, err = b.Publish(core.ParticipantUser, core.ParticipantMagi, "fan out", core.KindRequest)
	require.NoError(t, err)

	assert.Equal(t, "fan out", first.waitFor(t, 1)[0].Content)
	assert.Equal(t, "fan out", second.waitFor(t, 1)[0].Content)
}

func TestCancelledSubscriptionStopsDelivery(t *testing.T) {
	b := startedBus(t)
	cancelled := newCollector()
	witness := newCollector()

	sub, err := b.Subscribe(core.ParticipantBalthasar, cancelled.handle)
	require.NoError(t, err)
	_, err = b.Subscribe(core.ParticipantBalthasar, witness.handle)
	require.NoError(t, err)

	sub.Cancel()
	sub.Cancel() // idempotent

	_, err = b.Publish(core.ParticipantUser, core.ParticipantBalthasar, "after cancel", core.KindRequest)
	require.NoError(t, err)

	witness.waitFor(t, 1)

	cancelled.mu.Lock()
	defer cancelled.mu.Unlock()
	assert.Empty(t, cancelled.messages)
}

func TestAcknowledgeClearsPending(t *testing.T) {
	b := startedBus(t)
	c := newCollector()

	_, err := b.Subscribe(core.ParticipantMagi, c.handle)
	require.NoError(t, err)

	id, err := b.Publish(core.ParticipantUser, core.ParticipantMagi, "ack me", core.KindRequest)
	require.NoError(t, err)
	c.waitFor(t, 1)

	assert.Equal(t, 1, b.Pending())
	b.Acknowledge(id)
	assert.Equal(t, 0, b.Pending())

	// Unknown IDs are ignored.
	b.Acknowledge("no-such-id")
	assert.Equal(t, 0, b.Pending())
}

func TestPublishAfterShutdownFails(t *testing.T) {
	b := New()
	b.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Shutdown(ctx))

	_, err := b.Publish(core.ParticipantUser, core.ParticipantMagi, "too late", core.KindRequest)
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestShutdownUnblocksParkedPublisher(t *testing.T) {
	b := New(func(o *Options) { o.QueueSize = 1 })
	b.Start()

	release := make(chan struct{})
	c := newCollector()
	_, err := b.Subscribe(core.ParticipantMagi, func(ctx context.Context, msg core.Message) error {
		<-release
		return c.handle(ctx, msg)
	})
	require.NoError(t, err)

	// The first message occupies the dispatch goroutine, the second fills the
	// queue, the third parks its publisher on the full queue.
	_, err = b.Publish(core.ParticipantUser, core.ParticipantMagi, "one", core.KindRequest)
	require.NoError(t, err)
	_, err = b.Publish(core.ParticipantUser, core.ParticipantMagi, "two", core.KindRequest)
	require.NoError(t, err)

	parked := make(chan error, 1)
	go func() {
		_, err := b.Publish(core.ParticipantUser, core.ParticipantMagi, "three", core.KindRequest)
		parked <- err
	}()
	time.Sleep(50 * time.Millisecond)

	shutdown := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		shutdown <- b.Shutdown(ctx)
	}()

	close(release)

	// The parked publish completes normally instead of hitting a closed
	// channel, and every accepted message is still delivered.
	require.NoError(t, <-parked)
	require.NoError(t, <-shutdown)
	assert.Len(t, c.waitFor(t, 3), 3)
}

func TestHandlerPanicDoesNotKillDispatch(t *testing.T) {
	b := startedBus(t)
	c := newCollector()

	_, err := b.Subscribe(core.ParticipantMagi, func(context.Context, core.Message) error {
		panic("handler exploded")
	})
	require.NoError(t, err)
	_, err = b.Subscribe(core.ParticipantMagi, c.handle)
	require.NoError(t, err)

	_, err = b.Publish(core.ParticipantUser, core.ParticipantMagi, "survives", core.KindRequest)
	require.NoError(t, err)

	assert.Equal(t, "survives", c.waitFor(t, 1)[0].Content)
}
