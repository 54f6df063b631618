// Package magi provides a high-level façade over the deliberation machinery:
// three independently reasoning agents, their planners, engines, circuit
// breakers and short-term memories, a shared message bus, and the coordinator
// that runs the deliberation protocol. Most applications interact with this
// package by:
//  1. Creating a Magi via New() with a model client
//  2. Optionally registering tools and overriding per-agent clients
//  3. Asking questions synchronously (Ask) or through the bus (Start + Submit)
//
// All defaults are safe for local development; production deployments supply
// real provider clients and a structured logger.
package magi

import (
	"context"
	"math/rand"
	"time"

	"github.com/triadlabs/magi/breaker"
	"github.com/triadlabs/magi/bus"
	"github.com/triadlabs/magi/core"
	"github.com/triadlabs/magi/deliberation"
	"github.com/triadlabs/magi/engine"
	"github.com/triadlabs/magi/logging"
	"github.com/triadlabs/magi/memory"
	"github.com/triadlabs/magi/model"
	"github.com/triadlabs/magi/planner"
	"github.com/triadlabs/magi/tool"
)

// Default personas. Each agent argues from a distinct perspective so the
// sealed assessments genuinely disagree when the question allows it.
var defaultPersonas = map[core.Participant]string{
	core.ParticipantMelchior:  "You are Melchior. You reason as a scientist: evidence first, mechanisms over narratives, and you say so when the data is insufficient.",
	core.ParticipantBalthasar: "You are Balthasar. You reason strategically and humanistically: long-term consequences, people affected, and second-order effects.",
	core.ParticipantCaspar:    "You are Caspar. You reason pragmatically: what works, what it costs, and what can actually be done now.",
}

// Options configures a Magi instance.
type Options struct {
	// Clients overrides the model client per agent. Unset agents use the
	// client passed to New.
	Clients map[core.Participant]model.Client
	// Moderator overrides the moderator client. Defaults to the client passed
	// to New.
	Moderator model.Client
	// Personas overrides the per-agent system prompts.
	Personas map[core.Participant]string
	// Tools is the shared tool registry. Defaults to an empty registry.
	Tools *tool.Registry

	BreakerConfig breaker.Config
	ModelID       string
	StepTimeout   time.Duration
	MaxRounds     int
	// ConcurrentAssessment runs the three independent assessments in parallel.
	ConcurrentAssessment bool
	// Rand drives the deliberation speaking-order shuffle.
	Rand *rand.Rand

	QueueSize int
	Logger    logging.Logger
}

// Magi aggregates the three agent runtimes, the bus and the coordinator.
type Magi struct {
	opts        Options
	bus         *bus.Bus
	coordinator *deliberation.Coordinator
	runtimes    []*deliberation.AgentRuntime
	sub         *bus.Subscription
}

// New creates a Magi instance with the given model client and optional
// overrides.
func New(client model.Client, optFns ...func(o *Options)) *Magi {
	opts := Options{
		Moderator:     client,
		BreakerConfig: breaker.DefaultConfig,
		StepTimeout:   planner.DefaultStepTimeout,
		MaxRounds:     deliberation.MaxRounds,
		QueueSize:     64,
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Tools == nil {
		opts.Tools = tool.NewRegistry(func(o *tool.RegistryOptions) { o.Logger = opts.Logger })
	}

	b := bus.New(func(o *bus.Options) {
		o.QueueSize = opts.QueueSize
		o.Logger = opts.Logger
	})

	runtimes := make([]*deliberation.AgentRuntime, 0, len(core.Agents()))
	for _, name := range core.Agents() {
		agentClient := client
		if c, ok := opts.Clients[name]; ok && c != nil {
			agentClient = c
		}
		persona := defaultPersonas[name]
		if p, ok := opts.Personas[name]; ok && p != "" {
			persona = p
		}

		brk := breaker.New(breaker.WithConfig(opts.BreakerConfig))
		mem := memory.New(name.String(), agentClient, func(o *memory.Options) {
			o.ModelID = opts.ModelID
			o.Logger = opts.Logger
		})
		eng := engine.New(name.String(), agentClient, opts.Tools, mem, brk, func(o *engine.Options) {
			o.ModelID = opts.ModelID
			o.Logger = opts.Logger
		})
		pln := planner.New(name.String(), agentClient, eng, func(o *planner.Options) {
			o.ModelID = opts.ModelID
			o.StepTimeout = opts.StepTimeout
			o.Logger = opts.Logger
		})

		runtimes = append(runtimes, &deliberation.AgentRuntime{
			Name:    name,
			Persona: persona,
			Client:  agentClient,
			Planner: pln,
			Breaker: brk,
			Memory:  mem,
		})
	}

	coordinator := deliberation.New(opts.Moderator, runtimes, func(o *deliberation.Options) {
		o.MaxRounds = opts.MaxRounds
		o.ModelID = opts.ModelID
		o.Concurrent = opts.ConcurrentAssessment
		if opts.Rand != nil {
			o.Rand = opts.Rand
		}
		o.Logger = opts.Logger
	})

	return &Magi{opts: opts, bus: b, coordinator: coordinator, runtimes: runtimes}
}

// Bus returns the message bus for direct subscription, e.g. to receive
// results on the user topic.
func (m *Magi) Bus() *bus.Bus { return m.bus }

// Tools returns the shared tool registry for registering capabilities.
func (m *Magi) Tools() *tool.Registry { return m.opts.Tools }

// Start launches the bus and attaches the coordinator to the broadcast topic.
func (m *Magi) Start() error {
	m.bus.Start()
	sub, err := m.coordinator.Attach(m.bus)
	if err != nil {
		return err
	}
	m.sub = sub
	return nil
}

// Shutdown cancels the coordinator's subscription and drains the bus.
func (m *Magi) Shutdown(ctx context.Context) error {
	if m.sub != nil {
		m.sub.Cancel()
	}
	return m.bus.Shutdown(ctx)
}

// Ask runs one deliberation synchronously and returns the result text.
func (m *Magi) Ask(ctx context.Context, question string) (string, error) {
	outcome, err := m.coordinator.Deliberate(ctx, question)
	if err != nil {
		return "", err
	}
	return outcome.Result, nil
}

// Deliberate runs one deliberation synchronously and returns the full
// outcome, including the sealed envelope and the round transcript.
func (m *Magi) Deliberate(ctx context.Context, question string) (*deliberation.Outcome, error) {
	return m.coordinator.Deliberate(ctx, question)
}

// Submit publishes a question to the broadcast topic. The result arrives on
// the user topic; subscribe via Bus() before calling. Requires Start.
func (m *Magi) Submit(question string) (string, error) {
	return m.bus.Publish(core.ParticipantUser, core.ParticipantMagi, question, core.KindRequest)
}

// Forget clears every agent's short-term memory.
func (m *Magi) Forget() {
	for _, rt := range m.runtimes {
		if rt.Memory != nil {
			rt.Memory.Forget()
		}
	}
}
