package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"atomforge/internal/atom"
	"atomforge/internal/emit"
	"atomforge/internal/oracle"
	"atomforge/internal/parser"
	"atomforge/internal/pipeline"
	"atomforge/internal/retrieval"
	"atomforge/internal/store"
)

// planFile is the yaml shape of a plan: the planner's task list.
type planFile struct {
	Tasks []atom.Task `yaml:"tasks"`
}

func newRunCmd() *cobra.Command {
	var flagOut string
	var flagDryRun bool

	cmd := &cobra.Command{
		Use:   "run <plan.yaml>",
		Short: "Execute a plan end to end",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read plan: %w", err)
			}
			var plan planFile
			if err := yaml.Unmarshal(data, &plan); err != nil {
				return fmt.Errorf("failed to parse plan: %w", err)
			}
			if len(plan.Tasks) == 0 {
				return fmt.Errorf("plan %s contains no tasks", args[0])
			}
			logger.Info("plan loaded", zap.Int("tasks", len(plan.Tasks)))

			p := parser.New()
			defer p.Close()

			if flagDryRun {
				return dryRun(p, plan.Tasks)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, err := oracle.NewFromConfig(ctx, cfg.Oracle)
			if err != nil {
				return err
			}

			opts := pipeline.Options{
				Config: cfg,
				Parser: p,
				Oracle: client,
				Sink:   emit.NewFileSink(flagOut),
			}
			if cfg.Retrieval.Enabled {
				patterns, err := retrieval.Open(cfg.Retrieval.Path, nil)
				if err != nil {
					logger.Warn("pattern store unavailable", zap.Error(err))
				} else {
					defer patterns.Close()
					opts.Patterns = patterns
				}
			}
			if cfg.Store.Enabled {
				persist, err := store.Open(cfg.Store.Path)
				if err != nil {
					logger.Warn("persistence unavailable", zap.Error(err))
				} else {
					defer persist.Close()
					opts.Persist = persist
				}
			}

			controller, err := pipeline.NewController(opts)
			if err != nil {
				return err
			}

			// Stream progress events to the CLI logger.
			events := controller.Events().Subscribe()
			go func() {
				for e := range events {
					logger.Debug("event",
						zap.String("type", string(e.Type)),
						zap.String("atom", e.AtomID),
						zap.Int("wave", e.WaveIndex))
				}
			}()

			summary, err := controller.Run(ctx, plan.Tasks)
			if summary != nil {
				fmt.Print(summary.Render())
			}
			return err
		},
	}

	cmd.Flags().StringVar(&flagOut, "out", "out", "output root for accepted artifacts")
	cmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "decompose and partition waves without calling the oracle")
	return cmd
}

// dryRun decomposes and partitions without generating code.
func dryRun(p *parser.Parser, tasks []atom.Task) error {
	client := oracle.NewClient(oracle.NewScriptedProvider(), cfg.Oracle)
	controller, err := pipeline.NewController(pipeline.Options{
		Config: cfg,
		Parser: p,
		Oracle: client,
		Sink:   emit.Discard{},
	})
	if err != nil {
		return err
	}
	units, waves, broken, err := controller.Plan(tasks)
	if err != nil {
		return err
	}
	fmt.Printf("plan: %d atoms in %d waves (%d edges broken)\n", units, len(waves), broken)
	for _, wave := range waves {
		fmt.Printf("  wave %d: %d atoms\n", wave.Index, len(wave.AtomIDs))
	}
	return nil
}
