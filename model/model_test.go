package model

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ Client = (*MockClient)(nil)

func TestGenerateJSONFirstTry(t *testing.T) {
	client := NewMockClient()
	client.Queue(`{"answer": "four"}`)

	var out struct {
		Answer string `json:"answer"`
	}
	require.NoError(t, GenerateJSON(context.Background(), client, Request{Prompt: "2+2"}, &out))
	assert.Equal(t, "four", out.Answer)
	assert.Equal(t, 1, client.Calls())
}

func TestGenerateJSONStripsFences(t *testing.T) {
	client := NewMockClient()
	client.Queue("```json\n{\"answer\": \"four\"}\n```")

	var out struct {
		Answer string `json:"answer"`
	}
	require.NoError(t, GenerateJSON(context.Background(), client, Request{Prompt: "2+2"}, &out))
	assert.Equal(t, "four", out.Answer)
	assert.Equal(t, 1, client.Calls())
}

func TestGenerateJSONRepairsOnce(t *testing.T) {
	client := NewMockClient()
	client.Queue("the answer is {four", `{"answer": "four"}`)

	var out struct {
		Answer string `json:"answer"`
	}
	require.NoError(t, GenerateJSON(context.Background(), client, Request{Prompt: "2+2"}, &out))
	assert.Equal(t, "four", out.Answer)
	assert.Equal(t, 2, client.Calls())

	// The repair request carries the malformed payload back to the model.
	prompts := client.Prompts()
	assert.Contains(t, prompts[1], "the answer is {four")
}

func TestGenerateJSONFailsAfterRepairAttempt(t *testing.T) {
	client := NewMockClient()
	client.Queue("still not json", "nope, not json either")

	var out map[string]any
	err := GenerateJSON(context.Background(), client, Request{Prompt: "2+2"}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid json after repair attempt")
	assert.Equal(t, 2, client.Calls())
}

func TestGenerateJSONPropagatesGenerateError(t *testing.T) {
	client := NewMockClient()
	wantErr := errors.New("connection refused")
	client.QueueError(wantErr)

	var out map[string]any
	err := GenerateJSON(context.Background(), client, Request{Prompt: "2+2"}, &out)
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 1, client.Calls())
}

func TestStripFences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"fenced", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"fenced with tag", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"surrounding whitespace", "  {\"a\":1}  ", `{"a":1}`},
		{"braces on fence line stay", "```{\"a\":1}```", `{"a":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stripFences(tt.in))
		})
	}
}

func TestMockClientScriptPrecedesCanned(t *testing.T) {
	client := NewMockClient()
	client.AddResponse("hello", "canned")
	client.Queue("scripted")

	got, err := client.Generate(context.Background(), Request{Prompt: "hello there"})
	require.NoError(t, err)
	assert.Equal(t, "scripted", got)

	got, err = client.Generate(context.Background(), Request{Prompt: "hello there"})
	require.NoError(t, err)
	assert.Equal(t, "canned", got)
}

func TestMockClientRespectsContext(t *testing.T) {
	client := NewMockClient()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Generate(ctx, Request{Prompt: "anything"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, client.Calls())
}
