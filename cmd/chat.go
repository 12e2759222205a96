package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/KaramelBytes/chatstream/internal/ai"
	"github.com/KaramelBytes/chatstream/internal/registry"
	"github.com/KaramelBytes/chatstream/internal/utils"
)

var (
	chatModel   string
	chatPace    int
	chatTimeout time.Duration
	chatStats   bool
	chatQuiet   bool
)

var chatCmd = &cobra.Command{
	Use:   "chat [prompt]",
	Short: "Stream a reply to a single prompt",
	Example: `  chatstream chat "Explain SSE in one paragraph"
  chatstream chat --model DeepSeek --pace 40 "Write a haiku"
  echo "Summarize this" | chatstream chat`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// flag values are sticky between Execute calls in one process
		if f := cmd.Flags(); f != nil {
			provided := map[string]bool{}
			f.Visit(func(fl *pflag.Flag) { provided[fl.Name] = true })
			if !provided["model"] {
				chatModel = ""
			}
			if !provided["pace"] {
				chatPace = -1
			}
			if !provided["timeout"] {
				chatTimeout = 0
			}
		}

		prompt, err := readPrompt(args, cmd.InOrStdin())
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if chatTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, chatTimeout)
			defer cancel()
		}

		reg, closeReg, err := openRegistry(ctx)
		if err != nil {
			return err
		}
		defer closeReg()

		model, err := resolveModel(reg, chatModel)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		errOut := cmd.ErrOrStderr()
		tokens := utils.CountTokens(prompt)
		warnContext(errOut, model, tokens)
		if !chatQuiet {
			fmt.Fprintf(errOut, "⚙ Streaming from %s (%s, prompt tokens≈%d) ...\n", model.Name, displayModel(model), tokens)
		}

		pace := chatPace
		if pace < 0 {
			pace = 0
			if cfg != nil {
				pace = cfg.PaceRunesPerSec
			}
		}
		tw := newTypewriter(out, pace)
		client := deps.newClient(cfg, log)

		var sb strings.Builder
		last, werr := tw.render(ctx, tee(client.GenerateResponse(ctx, prompt, model), &sb))
		fmt.Fprintln(out)

		if chatStats {
			printStats(errOut, model, tokens, sb.String(), last.Stats)
		}
		switch last.Kind() {
		case ai.KindNone:
			if werr != nil && !errors.Is(werr, context.Canceled) {
				return fmt.Errorf("write output: %w", werr)
			}
			return nil
		case ai.KindCanceled:
			fmt.Fprintln(errOut, "⚠ Warning: stream canceled")
			return nil
		default:
			return describeFailure(model, last.Err)
		}
	},
}

// tee copies fragment text into sb while passing every event through.
func tee(in <-chan ai.StreamEvent, sb *strings.Builder) <-chan ai.StreamEvent {
	out := make(chan ai.StreamEvent)
	go func() {
		defer close(out)
		for ev := range in {
			if ev.Type == ai.StreamEventFragment {
				sb.WriteString(ev.Text)
			}
			out <- ev
		}
	}()
	return out
}

func readPrompt(args []string, stdin io.Reader) (string, error) {
	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" && stdin != nil {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read prompt from stdin: %w", err)
		}
		prompt = strings.TrimSpace(string(b))
	}
	if prompt == "" {
		return "", fmt.Errorf("prompt is required (pass it as an argument or on stdin)")
	}
	return prompt, nil
}

func displayModel(m registry.ModelConfig) string {
	if name := m.ModelOrDefault(); name != "" {
		return name
	}
	return string(m.Provider)
}

func warnContext(w io.Writer, m registry.ModelConfig, tokens int) {
	mi, ok := ai.LookupModel(m.ModelOrDefault())
	if !ok || mi.ContextTokens <= 0 {
		return
	}
	if tokens > mi.ContextTokens {
		fmt.Fprintf(w, "⚠ Warning: prompt (≈%d tokens) exceeds the %s context window (%d).\n", tokens, mi.Name, mi.ContextTokens)
	}
}

func printStats(w io.Writer, m registry.ModelConfig, promptTokens int, reply string, st ai.StreamStats) {
	replyTokens := utils.CountTokens(reply)
	fmt.Fprintf(w, "Fragments: %d  Skipped: %d  Duration: %s\n", st.Fragments, st.Skipped, st.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "Tokens: prompt≈%d reply≈%d\n", promptTokens, replyTokens)
	if cost, ok := ai.EstimateCostUSD(m.ModelOrDefault(), promptTokens, replyTokens); ok {
		fmt.Fprintf(w, "Estimated cost: ~$%.4f\n", cost)
	}
}

// describeFailure turns a stream error into a user-facing message.
func describeFailure(m registry.ModelConfig, err error) error {
	var (
		ce *ai.ConfigError
		ae *ai.AuthError
		nf *ai.ModelNotFoundError
	)
	switch {
	case errors.As(err, &ce):
		return fmt.Errorf("%w (fix it with 'chatstream models update %s')", err, m.ID)
	case errors.As(err, &ae):
		return fmt.Errorf("%w (check the API key for %s)", err, m.Name)
	case errors.As(err, &nf):
		return fmt.Errorf("%w (check the model id %q)", err, m.Model)
	case errors.Is(err, ai.ErrIdleTimeout), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("stream timed out: %w", err)
	}
	return fmt.Errorf("streaming from %s failed: %w", m.Name, err)
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVarP(&chatModel, "model", "m", "", "registry id or name (default: selected model)")
	chatCmd.Flags().IntVar(&chatPace, "pace", -1, "print at most N runes per second (0 = as received; default from config)")
	chatCmd.Flags().DurationVar(&chatTimeout, "timeout", 0, "overall deadline for the reply (e.g. 2m)")
	chatCmd.Flags().BoolVar(&chatStats, "stats", false, "print fragment, token and cost stats after the reply")
	chatCmd.Flags().BoolVarP(&chatQuiet, "quiet", "q", false, "suppress progress messages")
}
