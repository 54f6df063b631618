package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	magi "github.com/triadlabs/magi"
	"github.com/triadlabs/magi/core"
	"github.com/triadlabs/magi/logging"
	"github.com/triadlabs/magi/model"
	anthropicmodel "github.com/triadlabs/magi/model/anthropic"
	openaimodel "github.com/triadlabs/magi/model/openai"
)

func newAskCmd() *cobra.Command {
	askCmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Run a question through the deliberation protocol",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			bindFlag := func(key, flag string) {
				if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
					cfg.Set(key, f.Value.String())
				}
			}
			bindFlag("provider", "provider")
			bindFlag("model", "model")
			bindFlag("rounds", "rounds")
			bindFlag("concurrent", "concurrent")
			bindFlag("step_timeout", "step-timeout")
			bindFlag("log_level", "log-level")
			bindFlag("log_format", "log-format")

			app, err := resolveConfig(cfg)
			if err != nil {
				return err
			}

			client, err := buildClient(app)
			if err != nil {
				return err
			}

			logger := logging.NewSlogLogger(parseLogLevel(app.LogLevel), app.LogFormat, false)

			m := magi.New(client, func(o *magi.Options) {
				o.ModelID = app.Model
				o.MaxRounds = app.Rounds
				o.ConcurrentAssessment = app.Concurrent
				o.StepTimeout = app.StepTimeout
				o.Logger = logger
			})
			if err := m.Start(); err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = m.Shutdown(ctx)
			}()

			results := make(chan core.Message, 1)
			if _, err := m.Bus().Subscribe(core.ParticipantUser, func(_ context.Context, msg core.Message) error {
				results <- msg
				return nil
			}); err != nil {
				return err
			}

			if _, err := m.Submit(strings.Join(args, " ")); err != nil {
				return err
			}

			select {
			case msg := <-results:
				fmt.Fprintln(cmd.OutOrStdout(), msg.Content)
				return nil
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			}
		},
	}

	askCmd.Flags().String("provider", "", "model provider: openai, anthropic or mock")
	askCmd.Flags().String("model", "", "model id override")
	askCmd.Flags().Int("rounds", 0, "maximum deliberation rounds")
	askCmd.Flags().Bool("concurrent", false, "run independent assessments in parallel")
	askCmd.Flags().Duration("step-timeout", 0, "per sub-goal execution timeout")
	askCmd.Flags().String("log-level", "", "log level: debug, info, warn or error")
	askCmd.Flags().String("log-format", "", "log format: text or json")

	return askCmd
}

func buildClient(app *appConfig) (model.Client, error) {
	switch app.Provider {
	case "openai":
		return openaimodel.NewClient(func(o *openaimodel.Options) {
			if app.Model != "" {
				o.Model = app.Model
			}
		}), nil
	case "anthropic":
		return anthropicmodel.NewClient(), nil
	case "mock":
		return model.NewMockClient(), nil
	default:
		return nil, fmt.Errorf("unknown provider %q (want openai, anthropic or mock)", app.Provider)
	}
}
