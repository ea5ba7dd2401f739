package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/eachlabs/vaultagent/internal/chat"
	"github.com/eachlabs/vaultagent/internal/chunk"
)

var (
	runAgent    string
	runThread   string
	runProvider string
	runModel    string
	runVault    string
	runNote     string
)

var runCmd = &cobra.Command{
	Use:   "run <prompt>",
	Short: "Ask once and print the answer",
	Long: `Send a single message to an agent and stream its answer to stdout.

Examples:
  vaultagent run "which notes mention the offsite?"
  vaultagent run "@editor add a summary to the top" --note projects/q4.md
  echo "list my open todos" | vaultagent run -`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runAgent, "agent", "a", "", "agent to ask (default: from config)")
	runCmd.Flags().StringVarP(&runThread, "thread", "t", "", "conversation thread")
	runCmd.Flags().StringVarP(&runProvider, "provider", "p", "", "provider: anthropic, openai, openrouter, gemini, replay")
	runCmd.Flags().StringVarP(&runModel, "model", "m", "", "model to use")
	runCmd.Flags().StringVar(&runVault, "vault", "", "vault directory (default: from config or working directory)")
	runCmd.Flags().StringVar(&runNote, "note", "", "active note, relative to the vault")
}

func runRun(cmd *cobra.Command, args []string) error {
	prompt := strings.Join(args, " ")
	if prompt == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read prompt: %w", err)
		}
		prompt = strings.TrimSpace(string(data))
	}
	if prompt == "" {
		return fmt.Errorf("prompt is empty")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := envOptions{Provider: runProvider, Model: runModel, Vault: runVault}
	if verbose {
		opts.Console = os.Stderr
	}
	e, err := newEnv(ctx, opts)
	if err != nil {
		return err
	}
	defer e.Close()

	defaultAgent := runAgent
	if defaultAgent == "" {
		defaultAgent = e.cfg.Defaults.Agent
	}
	thread := runThread
	if thread == "" {
		thread = e.cfg.Defaults.Thread
	}

	reg := chunk.NewRegistry(e.log)
	printer := newTextPrinter(os.Stdout, reg)
	if jsonOut {
		printer = newTextPrinter(io.Discard, reg)
	}

	ctrl := chat.New(chat.Config{
		DefaultAgent: defaultAgent,
		Vault:        e.cfg.VaultDir(),
		Registry:     reg,
		OnUpdate:     printer.Notify,
		Logger:       e.log,
	})
	agents, err := e.buildAgents(ctrl.HandleSubAgentChunk)
	if err != nil {
		return err
	}
	ctrl.SetAgents(agents)

	target := chat.ParseMessage(prompt).TargetAgent
	if target == "" {
		target = defaultAgent
	}
	printer.Watch(chunk.Key{Agent: target, Thread: thread})

	reply, err := ctrl.Send(ctx, chat.Request{Text: prompt, Thread: thread, ActiveNote: runNote})
	if err != nil {
		fmt.Fprintln(os.Stderr, chat.Describe(err))
		return err
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"agent":         reply.Key.Agent,
			"thread":        reply.Key.Thread,
			"text":          reply.Result.Text,
			"steps":         len(reply.Result.Steps),
			"finish_reason": reply.Result.FinishReason,
			"usage":         reply.Result.Usage,
		})
	}
	fmt.Println()
	return nil
}
