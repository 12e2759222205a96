package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/KaramelBytes/chatstream/internal/ai"
	"github.com/KaramelBytes/chatstream/internal/registry"
)

var (
	compareModels      []string
	compareTimeout     time.Duration
	compareConcurrency int
)

type compareResult struct {
	model registry.ModelConfig
	text  string
	last  ai.StreamEvent
}

var compareCmd = &cobra.Command{
	Use:   "compare [prompt]",
	Short: "Send one prompt to several models at once and print each reply",
	Example: `  chatstream compare "What is a goroutine?"
  chatstream compare --models Gemini,DeepSeek --timeout 90s "Name three sorting algorithms"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if f := cmd.Flags(); f != nil {
			provided := map[string]bool{}
			f.Visit(func(fl *pflag.Flag) { provided[fl.Name] = true })
			if !provided["models"] {
				compareModels = nil
			}
			if !provided["timeout"] {
				compareTimeout = 0
			}
		}

		prompt, err := readPrompt(args, cmd.InOrStdin())
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if compareTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, compareTimeout)
			defer cancel()
		}

		reg, closeReg, err := openRegistry(ctx)
		if err != nil {
			return err
		}
		defer closeReg()

		targets := reg.List()
		if len(compareModels) > 0 {
			targets = nil
			for _, ref := range compareModels {
				// empty refs would fall back to the selection
				ref = strings.TrimSpace(ref)
				if ref == "" {
					continue
				}
				m, err := resolveModel(reg, ref)
				if err != nil {
					return err
				}
				targets = append(targets, m)
			}
			if len(targets) == 0 {
				return fmt.Errorf("--models lists no model ids or names")
			}
		}

		results := runCompare(ctx, deps.newClient(cfg, log), prompt, targets, compareConcurrency)

		out := cmd.OutOrStdout()
		var failed int
		for _, r := range results {
			fmt.Fprintf(out, "── %s (%s) ──\n", r.model.Name, displayModel(r.model))
			if r.text != "" {
				fmt.Fprintln(out, r.text)
			}
			switch r.last.Type {
			case ai.StreamEventComplete:
				fmt.Fprintf(out, "✓ %d fragments in %s\n\n", r.last.Stats.Fragments, r.last.Stats.Duration.Round(time.Millisecond))
			default:
				failed++
				fmt.Fprintf(out, "✗ %s: %v\n\n", r.last.Kind(), r.last.Err)
			}
		}
		if failed == len(results) && failed > 0 {
			return fmt.Errorf("all %d models failed", failed)
		}
		return nil
	},
}

// runCompare streams prompt to every model, at most limit at a time, and
// returns the results in the order of models.
func runCompare(ctx context.Context, client *ai.Client, prompt string, models []registry.ModelConfig, limit int) []compareResult {
	results := make([]compareResult, len(models))
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, m := range models {
		i, m := i, m
		g.Go(func() error {
			text, last := ai.Collect(client.GenerateResponse(gctx, prompt, m))
			results[i] = compareResult{model: m, text: text, last: last}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func init() {
	rootCmd.AddCommand(compareCmd)
	compareCmd.Flags().StringSliceVar(&compareModels, "models", nil, "comma-separated registry ids or names (default: all)")
	compareCmd.Flags().DurationVar(&compareTimeout, "timeout", 0, "overall deadline for all replies (e.g. 2m)")
	compareCmd.Flags().IntVar(&compareConcurrency, "concurrency", 4, "maximum streams in flight")
}
