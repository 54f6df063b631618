package magi

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triadlabs/magi/core"
	"github.com/triadlabs/magi/model"
)

// deliberationClient cans every call of a full deliberation: assessment
// pipeline, arguments, and the moderator verdict.
func deliberationClient(answer string) *model.MockClient {
	c := model.NewMockClient()
	c.AddResponse("Break the goal", `{"sub_goals": ["assess the question"]}`)
	c.AddResponse("single next concrete sub-goal", `{"sub_goal": "assess the question"}`)
	c.AddResponse("Pick one tool", `{"tool": "none"}`)
	c.AddResponse("reasoning alone", answer)
	c.AddResponse(`"complete"`, `{"complete": true, "sub_goal_done": true}`)
	c.AddResponse("Write the final answer", answer)
	c.AddResponse("Argue for the strongest", "I hold that "+answer)
	c.AddResponse("Latest round:", answer)
	return c
}

func TestAskRunsFullDeliberation(t *testing.T) {
	m := New(deliberationClient("four"))

	answer, err := m.Ask(context.Background(), "What is two plus two?")
	require.NoError(t, err)
	assert.Equal(t, "four", answer)
}

func TestDeliberateExposesOutcome(t *testing.T) {
	m := New(deliberationClient("four"))

	outcome, err := m.Deliberate(context.Background(), "What is two plus two?")
	require.NoError(t, err)

	assert.Equal(t, "four", outcome.Result)
	assert.True(t, outcome.Consensus)
	assert.Equal(t, 1, outcome.Rounds)

	for _, agent := range core.Agents() {
		_, ok := outcome.Envelope.Assessment(agent)
		assert.True(t, ok, "missing assessment for %s", agent)
	}
}

func TestSubmitOverBus(t *testing.T) {
	m := New(deliberationClient("four"))
	require.NoError(t, m.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})

	results := make(chan core.Message, 1)
	_, err := m.Bus().Subscribe(core.ParticipantUser, func(_ context.Context, msg core.Message) error {
		results <- msg
		return nil
	})
	require.NoError(t, err)

	_, err = m.Submit("What is two plus two?")
	require.NoError(t, err)

	select {
	case msg := <-results:
		assert.Equal(t, "four", msg.Content)
		assert.Equal(t, core.ParticipantMagi, msg.Sender)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the deliberation result")
	}
}

func TestPerAgentClientOverride(t *testing.T) {
	shared := deliberationClient("four")
	caspar := deliberationClient("four, obviously")

	m := New(shared, func(o *Options) {
		o.Clients = map[core.Participant]model.Client{
			core.ParticipantCaspar: caspar,
		}
	})

	outcome, err := m.Deliberate(context.Background(), "What is two plus two?")
	require.NoError(t, err)

	casparView, ok := outcome.Envelope.Assessment(core.ParticipantCaspar)
	require.True(t, ok)
	assert.Equal(t, "four, obviously", casparView)
	assert.Greater(t, caspar.Calls(), 0)
}

func TestForgetClearsAgentMemories(t *testing.T) {
	m := New(deliberationClient("four"))

	_, err := m.Ask(context.Background(), "What is two plus two?")
	require.NoError(t, err)

	for _, rt := range m.runtimes {
		assert.Greater(t, rt.Memory.Len(), 0, "%s should remember the exchange", rt.Name)
	}

	m.Forget()
	for _, rt := range m.runtimes {
		assert.Equal(t, 0, rt.Memory.Len())
	}
}
