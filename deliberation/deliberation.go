// Package deliberation implements the three-agent deliberation protocol: each
// agent independently assesses the question, the assessments are sealed into
// an immutable envelope, and the agents then argue over it in moderated rounds
// until the moderator declares a resolution or the round budget runs out. A
// run always produces an answer; when every round ends in impasse a single
// forced resolution presents the positions side by side.
package deliberation

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/triadlabs/magi/breaker"
	"github.com/triadlabs/magi/bus"
	"github.com/triadlabs/magi/core"
	"github.com/triadlabs/magi/logging"
	"github.com/triadlabs/magi/memory"
	"github.com/triadlabs/magi/model"
	"github.com/triadlabs/magi/planner"
)

const (
	// MaxRounds is the deliberation round budget.
	MaxRounds = 3
	// ImpasseToken is the literal moderator reply that continues deliberation.
	// Any other reply is the final resolution.
	ImpasseToken = "IMPASSE"
)

// AgentRuntime bundles one agent's collaborators: the persona it argues with,
// the planner that produces its independent assessment, and the breaker and
// memory shared with its tactical engine.
type AgentRuntime struct {
	Name    core.Participant
	Persona string
	Client  model.Client
	Planner *planner.Planner
	Breaker *breaker.Breaker
	Memory  *memory.ShortTermMemory
}

// Envelope is the sealed set of independent assessments. It is immutable
// after construction: rounds argue over it but never amend it. A failed
// agent's slot carries an error note so the three-way structure is preserved.
type Envelope struct {
	question    string
	assessments map[core.Participant]string
	order       []core.Participant
	sealedAt    time.Time
}

func newEnvelope(question string, assessments map[core.Participant]string, order []core.Participant) *Envelope {
	copied := make(map[core.Participant]string, len(assessments))
	for k, v := range assessments {
		copied[k] = v
	}
	return &Envelope{
		question:    question,
		assessments: copied,
		order:       append([]core.Participant(nil), order...),
		sealedAt:    time.Now().UTC(),
	}
}

// Question returns the question the envelope answers.
func (e *Envelope) Question() string { return e.question }

// Assessment returns the named agent's sealed assessment.
func (e *Envelope) Assessment(agent core.Participant) (string, bool) {
	v, ok := e.assessments[agent]
	return v, ok
}

// SealedAt returns when the envelope was sealed.
func (e *Envelope) SealedAt() time.Time { return e.sealedAt }

// Render flattens the envelope into labeled prompt text in canonical agent
// order.
func (e *Envelope) Render() string {
	var sb strings.Builder
	for _, agent := range e.order {
		fmt.Fprintf(&sb, "%s:\n%s\n\n", strings.ToUpper(agent.String()), e.assessments[agent])
	}
	return strings.TrimSpace(sb.String())
}

// Argument is one agent's position in one round.
type Argument struct {
	Agent    core.Participant `json:"agent"`
	Position string           `json:"position"`
}

// Round is one completed deliberation round.
type Round struct {
	Number    int        `json:"number"`
	Arguments []Argument `json:"arguments"`
	Verdict   string     `json:"verdict"`
}

// Outcome is the result of one deliberation.
type Outcome struct {
	Result string `json:"result"`
	Rounds int    `json:"rounds"`
	// Consensus is true when the moderator declared a resolution, false when
	// the answer came from the forced resolution after exhausted rounds.
	Consensus  bool      `json:"consensus"`
	Envelope   *Envelope `json:"-"`
	Transcript []Round   `json:"transcript"`
}

// Options configures a Coordinator.
type Options struct {
	MaxRounds int
	ModelID   string
	// Concurrent runs the independent assessments in parallel. Serial is the
	// default so a single model client sees one request at a time.
	Concurrent bool
	// Rand drives the per-round speaking-order shuffle. Injectable so tests
	// can seed it.
	Rand   *rand.Rand
	Logger logging.Logger
}

// WithConcurrentAssessment runs the three independent assessments in parallel.
func WithConcurrentAssessment() func(o *Options) {
	return func(o *Options) { o.Concurrent = true }
}

// WithRand sets the shuffle source.
func WithRand(r *rand.Rand) func(o *Options) {
	return func(o *Options) { o.Rand = r }
}

// Coordinator runs deliberations across a fixed set of agent runtimes using a
// dedicated moderator model.
type Coordinator struct {
	moderator model.Client
	runtimes  []*AgentRuntime
	opts      Options
}

// New creates a Coordinator.
func New(moderator model.Client, runtimes []*AgentRuntime, optFns ...func(o *Options)) *Coordinator {
	opts := Options{
		MaxRounds: MaxRounds,
		Logger:    logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Coordinator{moderator: moderator, runtimes: runtimes, opts: opts}
}

// Deliberate runs the full protocol for one question. It never returns an
// error from agent or moderator failures; those degrade in-band. The only
// error source is context cancellation.
func (c *Coordinator) Deliberate(ctx context.Context, question string) (*Outcome, error) {
	envelope, err := c.assess(ctx, question)
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{Envelope: envelope}
	var priorArguments []Argument
	var latestArguments []Argument

	for round := 1; round <= c.opts.MaxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()

		arguments := c.argueRound(ctx, envelope, priorArguments)
		verdict := c.moderate(ctx, envelope, arguments)

		outcome.Rounds = round
		outcome.Transcript = append(outcome.Transcript, Round{
			Number:    round,
			Arguments: arguments,
			Verdict:   verdict,
		})

		impasse := verdict == ImpasseToken
		c.opts.Logger.Info("deliberation.round",
			"round", round, "impasse", impasse, "duration_ms", time.Since(start).Milliseconds())

		if !impasse {
			outcome.Result = verdict
			outcome.Consensus = true
			c.remember(outcome.Result)
			return outcome, nil
		}
		// Agents see every prior round; the moderator only ever saw the latest.
		priorArguments = append(priorArguments, arguments...)
		latestArguments = arguments
	}

	outcome.Result = c.forceResolution(ctx, envelope, latestArguments)
	outcome.Consensus = false
	c.remember(outcome.Result)
	return outcome, nil
}

// assess gathers the independent assessments and seals them. An agent whose
// planner fails contributes an error note instead of an assessment so the
// envelope always carries one slot per agent.
func (c *Coordinator) assess(ctx context.Context, question string) (*Envelope, error) {
	order := make([]core.Participant, 0, len(c.runtimes))
	assessments := make(map[core.Participant]string, len(c.runtimes))
	results := make([]string, len(c.runtimes))

	runOne := func(i int) {
		rt := c.runtimes[i]
		start := time.Now()
		res, err := rt.Planner.Run(ctx, question)
		if err != nil {
			c.opts.Logger.Warn("deliberation.assessment.failed",
				"agent", rt.Name.String(), "error", err.Error())
			results[i] = fmt.Sprintf("%s assessment failed: %v", rt.Name, err)
			return
		}
		c.opts.Logger.Debug("deliberation.assessment",
			"agent", rt.Name.String(), "duration_ms", time.Since(start).Milliseconds())
		results[i] = res.Output
	}

	if c.opts.Concurrent {
		g, gctx := errgroup.WithContext(ctx)
		for i := range c.runtimes {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				runOne(i)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	} else {
		for i := range c.runtimes {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			runOne(i)
		}
	}

	for i, rt := range c.runtimes {
		order = append(order, rt.Name)
		assessments[rt.Name] = results[i]
		if rt.Memory != nil {
			rt.Memory.Remember(core.ParticipantUser.String(), "", question)
			rt.Memory.Remember(rt.Name.String(), "", results[i])
		}
	}
	return newEnvelope(question, assessments, order), nil
}

// argueRound collects one position per agent. Speaking order is freshly
// shuffled each round so no persona systematically anchors the debate. Each
// agent sees the envelope and the previous round's arguments.
func (c *Coordinator) argueRound(ctx context.Context, envelope *Envelope, prior []Argument) []Argument {
	speakers := append([]*AgentRuntime(nil), c.runtimes...)
	c.opts.Rand.Shuffle(len(speakers), func(i, j int) {
		speakers[i], speakers[j] = speakers[j], speakers[i]
	})

	arguments := make([]Argument, 0, len(speakers))
	for _, rt := range speakers {
		position, err := rt.Client.Generate(ctx, model.Request{
			System: rt.Persona,
			Prompt: fmt.Sprintf(
				"Question: %s\n\nSealed assessments:\n%s\n\n%sArgue for the strongest answer in a short paragraph. You may concede points and converge.",
				envelope.Question(), envelope.Render(), renderArguments("Previous rounds:", prior),
			),
			ModelID: c.opts.ModelID,
		})
		if err != nil {
			c.opts.Logger.Warn("deliberation.argument.failed",
				"agent", rt.Name.String(), "error", err.Error())
			position = fmt.Sprintf("%s argument failed: %v, abstaining this round", rt.Name, err)
		}
		arguments = append(arguments, Argument{Agent: rt.Name, Position: strings.TrimSpace(position)})
	}
	return arguments
}

// moderate reviews the envelope and the latest round only. It returns
// ImpasseToken to continue or the final resolution text to end deliberation.
// A moderator failure counts as an impasse so the round budget still governs
// termination.
func (c *Coordinator) moderate(ctx context.Context, envelope *Envelope, latest []Argument) string {
	verdict, err := c.moderator.Generate(ctx, model.Request{
		System: fmt.Sprintf(
			"You are a strict deliberation moderator. If the positions have converged on one answer, state that answer. If they have not, reply with exactly %s and nothing else.",
			ImpasseToken,
		),
		Prompt: fmt.Sprintf(
			"Question: %s\n\nSealed assessments:\n%s\n\n%s",
			envelope.Question(), envelope.Render(), renderArguments("Latest round:", latest),
		),
		ModelID: c.opts.ModelID,
	})
	if err != nil {
		c.opts.Logger.Warn("deliberation.moderator.failed", "error", err.Error())
		return ImpasseToken
	}
	return strings.TrimSpace(verdict)
}

// forceResolution produces the answer after every round ended in impasse: one
// neutral side-by-side summary of the positions. It makes exactly one model
// call and degrades to mechanical concatenation on failure, so it always
// returns an answer.
func (c *Coordinator) forceResolution(ctx context.Context, envelope *Envelope, latest []Argument) string {
	summary, err := c.moderator.Generate(ctx, model.Request{
		System: "You present unresolved positions neutrally. Do not pick a winner.",
		Prompt: fmt.Sprintf(
			"The deliberation on %q did not converge. Present each position side by side, fairly and briefly.\n\nSealed assessments:\n%s\n\n%s",
			envelope.Question(), envelope.Render(), renderArguments("Final round:", latest),
		),
		ModelID: c.opts.ModelID,
	})
	if err != nil {
		c.opts.Logger.Warn("deliberation.forced.failed", "error", err.Error())
		var sb strings.Builder
		sb.WriteString("The deliberation did not reach consensus. The positions were:\n\n")
		sb.WriteString(envelope.Render())
		if len(latest) > 0 {
			sb.WriteString("\n\n")
			sb.WriteString(renderArguments("Final arguments:", latest))
		}
		return strings.TrimSpace(sb.String())
	}
	return strings.TrimSpace(summary)
}

// remember records the collective result in every agent's window so follow-up
// questions can build on it. The question itself was remembered at assessment
// time.
func (c *Coordinator) remember(result string) {
	for _, rt := range c.runtimes {
		if rt.Memory != nil {
			rt.Memory.Remember(core.ParticipantMagi.String(), "", result)
		}
	}
}

// Attach subscribes the coordinator to the broadcast topic: every request
// addressed to the collective triggers a deliberation whose result is
// published back to the user, and the inbound message is acknowledged.
// Deliberations run on their own goroutine so the bus keeps dispatching
// while one is in flight.
func (c *Coordinator) Attach(b *bus.Bus) (*bus.Subscription, error) {
	return b.Subscribe(core.ParticipantMagi, func(ctx context.Context, msg core.Message) error {
		if msg.Kind != core.KindRequest {
			return nil
		}
		go c.serveRequest(ctx, b, msg)
		return nil
	})
}

// serveRequest runs one deliberation for an inbound bus request and publishes
// the result back to the user topic.
func (c *Coordinator) serveRequest(ctx context.Context, b *bus.Bus, msg core.Message) {
	outcome, err := c.Deliberate(ctx, msg.Content)
	if err != nil {
		c.opts.Logger.Error("deliberation.request.failed", "message_id", msg.ID, "error", err.Error())
		return
	}

	if _, err := b.Publish(core.ParticipantMagi, core.ParticipantUser, outcome.Result, core.KindResponse); err != nil {
		c.opts.Logger.Error("deliberation.publish.failed", "message_id", msg.ID, "error", err.Error())
		return
	}
	b.Acknowledge(msg.ID)
}

func renderArguments(label string, args []Argument) string {
	if len(args) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(label)
	sb.WriteString("\n")
	for _, a := range args {
		fmt.Fprintf(&sb, "%s: %s\n", strings.ToUpper(a.Agent.String()), a.Position)
	}
	sb.WriteString("\n")
	return sb.String()
}
