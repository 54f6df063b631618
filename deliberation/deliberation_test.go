package deliberation

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triadlabs/magi/breaker"
	"github.com/triadlabs/magi/bus"
	"github.com/triadlabs/magi/core"
	"github.com/triadlabs/magi/engine"
	"github.com/triadlabs/magi/model"
	"github.com/triadlabs/magi/planner"
	"github.com/triadlabs/magi/tool"
)

// failingClient errors on every Generate call.
type failingClient struct{}

func (failingClient) Generate(context.Context, model.Request) (string, error) {
	return "", errors.New("provider unreachable")
}

func (failingClient) Info() model.Info { return model.Info{Name: "failing", Provider: "mock"} }

// happyClient cans a full assessment pipeline plus an arguing position.
func happyClient(answer string) *model.MockClient {
	c := model.NewMockClient()
	c.AddResponse("Break the goal", `{"sub_goals": ["assess the question"]}`)
	c.AddResponse("single next concrete sub-goal", `{"sub_goal": "assess the question"}`)
	c.AddResponse("Pick one tool", `{"tool": "none"}`)
	c.AddResponse("reasoning alone", answer)
	c.AddResponse(`"complete"`, `{"complete": true, "sub_goal_done": true}`)
	c.AddResponse("Write the final answer", answer)
	c.AddResponse("Argue for the strongest", "I hold that "+answer)
	return c
}

func newRuntime(name core.Participant, client model.Client) *AgentRuntime {
	brk := breaker.New()
	eng := engine.New(name.String(), client, tool.NewRegistry(), nil, brk)
	pln := planner.New(name.String(), client, eng)
	return &AgentRuntime{
		Name:    name,
		Persona: "You are " + name.String() + ".",
		Client:  client,
		Planner: pln,
		Breaker: brk,
	}
}

func happyRuntimes() []*AgentRuntime {
	return []*AgentRuntime{
		newRuntime(core.ParticipantMelchior, happyClient("it is four")),
		newRuntime(core.ParticipantBalthasar, happyClient("four, considering everyone")),
		newRuntime(core.ParticipantCaspar, happyClient("four, obviously")),
	}
}

func TestDeliberateConsensusEndsImmediately(t *testing.T) {
	moderator := model.NewMockClient()
	moderator.Queue("IMPASSE", "the answer is four")

	c := New(moderator, happyRuntimes())
	outcome, err := c.Deliberate(context.Background(), "What is two plus two?")
	require.NoError(t, err)

	assert.Equal(t, "the answer is four", outcome.Result)
	assert.True(t, outcome.Consensus)
	assert.Equal(t, 2, outcome.Rounds)
	require.Len(t, outcome.Transcript, 2)
	assert.Equal(t, ImpasseToken, outcome.Transcript[0].Verdict)
	// No third round follows a resolution.
	assert.Equal(t, 2, moderator.Calls())
}

func TestDeliberateRoundOneConsensus(t *testing.T) {
	moderator := model.NewMockClient()
	moderator.Queue("four")

	c := New(moderator, happyRuntimes())
	outcome, err := c.Deliberate(context.Background(), "What is two plus two?")
	require.NoError(t, err)

	assert.Equal(t, "four", outcome.Result)
	assert.Equal(t, 1, outcome.Rounds)
	assert.Equal(t, 1, moderator.Calls())
}

func TestDeliberateForcedResolutionAfterExhaustedRounds(t *testing.T) {
	moderator := model.NewMockClient()
	moderator.Queue("IMPASSE", "IMPASSE", "IMPASSE", "the positions, side by side")

	c := New(moderator, happyRuntimes())
	outcome, err := c.Deliberate(context.Background(), "Is tabs or spaces better?")
	require.NoError(t, err)

	assert.Equal(t, "the positions, side by side", outcome.Result)
	assert.False(t, outcome.Consensus)
	assert.Equal(t, MaxRounds, outcome.Rounds)
	// Three round verdicts plus exactly one forced-resolution call.
	assert.Equal(t, MaxRounds+1, moderator.Calls())
}

func TestForcedResolutionDegradesToConcatenation(t *testing.T) {
	moderator := model.NewMockClient()
	moderator.Queue("IMPASSE", "IMPASSE", "IMPASSE")
	moderator.QueueError(errors.New("moderator down"))

	c := New(moderator, happyRuntimes())
	outcome, err := c.Deliberate(context.Background(), "Is tabs or spaces better?")
	require.NoError(t, err)

	assert.False(t, outcome.Consensus)
	assert.Contains(t, outcome.Result, "did not reach consensus")
	assert.Contains(t, outcome.Result, "MELCHIOR")
	assert.Contains(t, outcome.Result, "CASPAR")
}

func TestModeratorFailureCountsAsImpasse(t *testing.T) {
	moderator := model.NewMockClient()
	moderator.QueueError(errors.New("hiccup"))
	moderator.Queue("recovered verdict")

	c := New(moderator, happyRuntimes())
	outcome, err := c.Deliberate(context.Background(), "What is two plus two?")
	require.NoError(t, err)

	assert.Equal(t, "recovered verdict", outcome.Result)
	assert.Equal(t, 2, outcome.Rounds)
}

func TestEnvelopePreservesFailedAgent(t *testing.T) {
	runtimes := []*AgentRuntime{
		newRuntime(core.ParticipantMelchior, failingClient{}),
		newRuntime(core.ParticipantBalthasar, happyClient("four")),
		newRuntime(core.ParticipantCaspar, happyClient("four")),
	}

	moderator := model.NewMockClient()
	moderator.Queue("four")

	c := New(moderator, runtimes)
	outcome, err := c.Deliberate(context.Background(), "What is two plus two?")
	require.NoError(t, err)

	// The failed agent keeps its slot in the envelope as an error note.
	note, ok := outcome.Envelope.Assessment(core.ParticipantMelchior)
	require.True(t, ok)
	assert.Contains(t, note, "assessment failed")

	// And it still argues (abstaining) in the round.
	require.Len(t, outcome.Transcript[0].Arguments, 3)
	for _, arg := range outcome.Transcript[0].Arguments {
		if arg.Agent == core.ParticipantMelchior {
			assert.Contains(t, arg.Position, "abstaining")
		}
	}
}

func TestEnvelopeRenderCarriesAllAgents(t *testing.T) {
	moderator := model.NewMockClient()
	moderator.Queue("four")

	c := New(moderator, happyRuntimes())
	outcome, err := c.Deliberate(context.Background(), "What is two plus two?")
	require.NoError(t, err)

	rendered := outcome.Envelope.Render()
	assert.Contains(t, rendered, "MELCHIOR")
	assert.Contains(t, rendered, "BALTHASAR")
	assert.Contains(t, rendered, "CASPAR")
	assert.Equal(t, "What is two plus two?", outcome.Envelope.Question())
}

func TestSpeakingOrderShuffleIsSeedable(t *testing.T) {
	run := func(seed int64) []core.Participant {
		moderator := model.NewMockClient()
		moderator.Queue("IMPASSE", "IMPASSE", "IMPASSE", "forced")

		c := New(moderator, happyRuntimes(), WithRand(rand.New(rand.NewSource(seed))))
		outcome, err := c.Deliberate(context.Background(), "Is tabs or spaces better?")
		require.NoError(t, err)

		var order []core.Participant
		for _, round := range outcome.Transcript {
			for _, arg := range round.Arguments {
				order = append(order, arg.Agent)
			}
		}
		return order
	}

	assert.Equal(t, run(42), run(42))
}

func TestConcurrentAssessment(t *testing.T) {
	moderator := model.NewMockClient()
	moderator.Queue("four")

	c := New(moderator, happyRuntimes(), WithConcurrentAssessment())
	outcome, err := c.Deliberate(context.Background(), "What is two plus two?")
	require.NoError(t, err)

	assert.Equal(t, "four", outcome.Result)
	for _, agent := range core.Agents() {
		_, ok := outcome.Envelope.Assessment(agent)
		assert.True(t, ok, "missing assessment for %s", agent)
	}
}

// gatedClient defers every response until the gate is released.
type gatedClient struct {
	inner model.Client
	gate  chan struct{}
}

func (g *gatedClient) Generate(ctx context.Context, req model.Request) (string, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return g.inner.Generate(ctx, req)
}

func (g *gatedClient) Info() model.Info { return g.inner.Info() }

func TestAttachKeepsBusDispatchingDuringDeliberation(t *testing.T) {
	gate := make(chan struct{})
	runtimes := []*AgentRuntime{
		newRuntime(core.ParticipantMelchior, &gatedClient{inner: happyClient("four"), gate: gate}),
		newRuntime(core.ParticipantBalthasar, &gatedClient{inner: happyClient("four"), gate: gate}),
		newRuntime(core.ParticipantCaspar, &gatedClient{inner: happyClient("four"), gate: gate}),
	}
	moderator := model.NewMockClient()
	moderator.Queue("four")

	c := New(moderator, runtimes)

	b := bus.New()
	b.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
	})

	_, err := c.Attach(b)
	require.NoError(t, err)

	side := make(chan core.Message, 1)
	_, err = b.Subscribe(core.ParticipantCaspar, func(_ context.Context, msg core.Message) error {
		side <- msg
		return nil
	})
	require.NoError(t, err)
	results := make(chan core.Message, 1)
	_, err = b.Subscribe(core.ParticipantUser, func(_ context.Context, msg core.Message) error {
		results <- msg
		return nil
	})
	require.NoError(t, err)

	_, err = b.Publish(core.ParticipantUser, core.ParticipantMagi, "What is two plus two?", core.KindRequest)
	require.NoError(t, err)

	// While the deliberation is parked on the gate, other topics must keep
	// being delivered.
	_, err = b.Publish(core.ParticipantUser, core.ParticipantCaspar, "side channel", core.KindRequest)
	require.NoError(t, err)
	select {
	case msg := <-side:
		assert.Equal(t, "side channel", msg.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("bus stopped dispatching while a deliberation was in flight")
	}

	close(gate)
	select {
	case msg := <-results:
		assert.Equal(t, "four", msg.Content)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the deliberation result")
	}
}

func TestAttachRunsDeliberationOverBus(t *testing.T) {
	moderator := model.NewMockClient()
	moderator.Queue("four")

	c := New(moderator, happyRuntimes())

	b := bus.New()
	b.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
	})

	_, err := c.Attach(b)
	require.NoError(t, err)

	results := make(chan core.Message, 1)
	_, err = b.Subscribe(core.ParticipantUser, func(_ context.Context, msg core.Message) error {
		results <- msg
		return nil
	})
	require.NoError(t, err)

	_, err = b.Publish(core.ParticipantUser, core.ParticipantMagi, "What is two plus two?", core.KindRequest)
	require.NoError(t, err)

	select {
	case msg := <-results:
		assert.Equal(t, "four", msg.Content)
		assert.Equal(t, core.ParticipantMagi, msg.Sender)
		assert.Equal(t, core.KindResponse, msg.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for deliberation result on the user topic")
	}
}
