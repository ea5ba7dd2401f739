package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/eachlabs/vaultagent/internal/agent"
	"github.com/eachlabs/vaultagent/internal/chat"
	"github.com/eachlabs/vaultagent/internal/chunk"
	"github.com/eachlabs/vaultagent/internal/config"
	"github.com/eachlabs/vaultagent/internal/session"
	"github.com/eachlabs/vaultagent/internal/tui"
)

var (
	chatAgent       string
	chatThread      string
	chatProvider    string
	chatModel       string
	chatVault       string
	chatNote        string
	chatSession     string
	chatMetricsAddr string
	chatSimple      bool
	chatPlain       bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start interactive chat",
	Long: `Start an interactive terminal chat with the vault agents.

Address an agent with @name, otherwise the default agent answers. Sending a
new message while an answer is streaming replaces that request.

Examples:
  vaultagent chat
  vaultagent chat --vault ~/notes --note daily/2026-10-18.md
  vaultagent chat --session 20261018-091500-a1b2   # resume a conversation
  vaultagent chat --simple                         # line mode, no TUI`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatAgent, "agent", "a", "", "default agent (default: from config)")
	chatCmd.Flags().StringVarP(&chatThread, "thread", "t", "", "conversation thread")
	chatCmd.Flags().StringVarP(&chatProvider, "provider", "p", "", "provider: anthropic, openai, openrouter, gemini, replay")
	chatCmd.Flags().StringVarP(&chatModel, "model", "m", "", "model to use")
	chatCmd.Flags().StringVar(&chatVault, "vault", "", "vault directory (default: from config or working directory)")
	chatCmd.Flags().StringVar(&chatNote, "note", "", "active note, relative to the vault")
	chatCmd.Flags().StringVarP(&chatSession, "session", "s", "", "resume a saved session")
	chatCmd.Flags().StringVar(&chatMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	chatCmd.Flags().BoolVar(&chatSimple, "simple", false, "use simple terminal mode (no TUI)")
	chatCmd.Flags().BoolVar(&chatPlain, "plain", false, "do not render Markdown")
}

func runChat(cmd *cobra.Command, args []string) error {
	// Handle signals
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := envOptions{Provider: chatProvider, Model: chatModel, Vault: chatVault}
	if chatSimple && verbose {
		opts.Console = os.Stderr
	}
	e, err := newEnv(ctx, opts)
	if err != nil {
		return err
	}
	defer e.Close()

	defaultAgent := chatAgent
	if defaultAgent == "" {
		defaultAgent = e.cfg.Defaults.Agent
	}
	thread := chatThread
	if thread == "" {
		thread = e.cfg.Defaults.Thread
	}
	vault := e.cfg.VaultDir()

	sessions := session.NewManager(config.SessionsDir())
	var resumed *session.Session
	if chatSession != "" {
		resumed, err = sessions.Load(chatSession)
		if err != nil {
			return err
		}
	} else {
		providerName, pc := e.cfg.ProviderConfig("")
		sessions.New(defaultAgent, providerName, pc.Model, vault)
	}

	reg := chunk.NewRegistry(e.log)
	updates := tui.NewUpdates()
	printer := newTextPrinter(os.Stdout, reg)

	onUpdate := updates.Notify
	if chatSimple {
		onUpdate = printer.Notify
	}

	ctrl := chat.New(chat.Config{
		DefaultAgent: defaultAgent,
		Vault:        vault,
		Registry:     reg,
		Sessions:     sessions,
		OnUpdate:     onUpdate,
		Logger:       e.log,
	})

	agents, err := e.buildAgents(ctrl.HandleSubAgentChunk)
	if err != nil {
		return err
	}
	if _, ok := agents[defaultAgent]; !ok {
		return agent.NotFound(defaultAgent)
	}
	ctrl.SetAgents(agents)
	ctrl.Restore(resumed)

	e.log.Info("chat started",
		"vault", vault,
		"agent", defaultAgent,
		"thread", thread,
		"session", sessions.Session().ID,
	)

	metricsAddr := chatMetricsAddr
	if metricsAddr == "" {
		metricsAddr = e.cfg.Metrics.Address
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	if metricsAddr != "" {
		srv := newMetricsServer(metricsAddr, e.metrics)
		g.Go(func() error {
			e.log.Info("serving metrics", "address", metricsAddr)
			return srv.Run(gctx)
		})
	}

	g.Go(func() error {
		defer cancel()
		if chatSimple {
			return runSimpleChat(gctx, ctrl, printer, thread)
		}
		return tui.RunChat(gctx, tui.ChatOptions{
			Controller: ctrl,
			Updates:    updates,
			Thread:     thread,
			ActiveNote: chatNote,
			Vault:      vault,
			Plain:      chatPlain,
		})
	})

	err = g.Wait()
	ctrl.Cancel()
	if sessions.Session().MessageCount() > 0 {
		if serr := sessions.ForceSave(); serr != nil {
			e.log.Warn("failed to save session", "error", serr)
		}
	}
	return err
}

// runSimpleChat reads one message per line from stdin.
func runSimpleChat(ctx context.Context, ctrl *chat.Controller, printer *textPrinter, thread string) error {
	fmt.Printf("vaultagent chat (agent: %s, thread: %s)\n", ctrl.DefaultAgent(), thread)
	fmt.Println("Type a message, @agent to address one, or /quit to exit.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		fmt.Print("\n> ")
		var input string
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			input = strings.TrimSpace(line)
		}
		if input == "" {
			continue
		}

		if c, ok := chat.ParseCommand(input); ok {
			switch c.Name {
			case "quit", "exit":
				return nil
			case "clear":
				ctrl.Clear(thread)
				fmt.Println("cleared thread " + thread)
			case "agents":
				fmt.Println("agents: " + strings.Join(ctrl.Agents(), ", "))
			case "thread":
				if c.Args != "" {
					thread = c.Args
				}
				fmt.Println("thread: " + thread)
			default:
				fmt.Println("commands: /clear /agents /thread [name] /quit")
			}
			continue
		}

		target := chat.ParseMessage(input).TargetAgent
		if target == "" {
			target = ctrl.DefaultAgent()
		}
		printer.Watch(chunk.Key{Agent: target, Thread: thread})

		if _, err := ctrl.Send(ctx, chat.Request{Text: input, Thread: thread, ActiveNote: chatNote}); err != nil {
			fmt.Println()
			fmt.Println(chat.Describe(err))
			continue
		}
		fmt.Println()
	}
}
