package memory

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triadlabs/magi/model"
)

func TestRememberEvictsOldestBeyondCapacity(t *testing.T) {
	m := New("melchior", model.NewMockClient())

	for i := 0; i < Capacity+5; i++ {
		m.Remember("user", "", fmt.Sprintf("message %d", i))
	}

	require.Equal(t, Capacity, m.Len())

	entries := m.Entries()
	assert.Equal(t, "message 5", entries[0].Message)
	assert.Equal(t, fmt.Sprintf("message %d", Capacity+4), entries[len(entries)-1].Message)
}

func TestEntriesReturnsCopy(t *testing.T) {
	m := New("melchior", model.NewMockClient())
	m.Remember("user", "", "original")

	entries := m.Entries()
	entries[0].Message = "mutated"

	assert.Equal(t, "original", m.Entries()[0].Message)
}

func TestForgetClearsWindow(t *testing.T) {
	client := model.NewMockClient()
	m := New("melchior", client)

	m.Remember("user", "", "something")
	m.Forget()

	assert.Equal(t, 0, m.Len())

	// Summarizing an empty window never reaches the model.
	assert.Equal(t, "", m.Summarize(context.Background(), ""))
	assert.Equal(t, 0, client.Calls())
}

func TestDetermineTopicEmptyWindow(t *testing.T) {
	client := model.NewMockClient()
	m := New("melchior", client)

	assert.Equal(t, "", m.DetermineTopic(context.Background(), "what about go?"))
	assert.Equal(t, 0, client.Calls())
}

func TestDetermineTopicBlankMessage(t *testing.T) {
	client := model.NewMockClient()
	m := New("melchior", client)
	m.Remember("user", "", "hello")

	assert.Equal(t, "", m.DetermineTopic(context.Background(), "   "))
	assert.Equal(t, 0, client.Calls())
}

func TestDetermineTopicEmbedsModelFailure(t *testing.T) {
	client := model.NewMockClient()
	client.QueueError(fmt.Errorf("model offline"))
	m := New("melchior", client)
	m.Remember("user", "", "hello")

	topic := m.DetermineTopic(context.Background(), "what about go?")
	assert.True(t, strings.HasPrefix(topic, "topic detection failed:"), "got %q", topic)
	assert.Contains(t, topic, "model offline")
}

func TestSummarizeCachesUntilNewEntry(t *testing.T) {
	client := model.NewMockClient()
	client.AddResponse("Summarize this conversation", "they discussed go")
	m := New("melchior", client)
	m.Remember("user", "", "tell me about go")

	first := m.Summarize(context.Background(), "the design of go")
	second := m.Summarize(context.Background(), "the design of go")

	assert.Equal(t, "they discussed go", first)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, client.Calls())

	// A new entry invalidates the cache.
	m.Remember("melchior", "", "go favors composition")
	m.Summarize(context.Background(), "the design of go")
	assert.Equal(t, 2, client.Calls())
}

func TestSummarizeDifferentTopicMissesCache(t *testing.T) {
	client := model.NewMockClient()
	m := New("melchior", client)
	m.Remember("user", "", "tell me about go")

	m.Summarize(context.Background(), "the design of go")
	m.Summarize(context.Background(), "the history of go")

	assert.Equal(t, 2, client.Calls())
}

func TestSummarizeEmbedsModelFailure(t *testing.T) {
	client := model.NewMockClient()
	client.QueueError(fmt.Errorf("rate limited"))
	m := New("melchior", client)
	m.Remember("user", "", "hello")

	summary := m.Summarize(context.Background(), "")
	assert.True(t, strings.HasPrefix(summary, "summary unavailable:"), "got %q", summary)

	// Failures are not cached; the next call retries the model.
	client.AddResponse("Summarize", "recovered")
	assert.Equal(t, "recovered", m.Summarize(context.Background(), ""))
}

func TestScratchpadRendering(t *testing.T) {
	client := model.NewMockClient()
	client.AddResponse("Summarize", "ok")
	m := New("melchior", client)

	m.Remember("melchior", "unsure about this", "it might be four")
	m.Summarize(context.Background(), "")

	prompts := client.Prompts()
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "melchior (thinking: unsure about this): it might be four")
}
