package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/eachlabs/vaultagent/internal/agent"
	"github.com/eachlabs/vaultagent/internal/config"
)

var (
	agentDescription  string
	agentInstructions string
	agentProvider     string
	agentModel        string
	agentTools        string
	agentSubAgents    string
	agentGenerate     bool
	agentForce        bool
)

var agentsCmd = &cobra.Command{
	Use:     "agents",
	Aliases: []string{"agent"},
	Short:   "Manage agent definitions",
	Long: `Manage the agents available in chat.

Agents are stored as TOML files in ~/.vaultagent/agents. When none are
stored the built-in vault, researcher and editor agents are used.

Subcommands:
  list                 List agents
  show <name>          Show an agent definition
  create <name>        Create an agent
  delete <name>        Delete an agent
  init                 Write the built-in agents to disk for editing`,
}

func init() {
	agentsCmd.AddCommand(agentsListCmd)
	agentsCmd.AddCommand(agentsShowCmd)
	agentsCmd.AddCommand(agentsCreateCmd)
	agentsCmd.AddCommand(agentsDeleteCmd)
	agentsCmd.AddCommand(agentsInitCmd)

	agentsCreateCmd.Flags().StringVarP(&agentDescription, "description", "d", "", "What this agent does (required)")
	agentsCreateCmd.Flags().StringVar(&agentInstructions, "instructions", "", "System instructions (optional, generated or derived from the description)")
	agentsCreateCmd.Flags().StringVar(&agentProvider, "provider", "", "Provider (default: from config)")
	agentsCreateCmd.Flags().StringVar(&agentModel, "model", "", "Model (default: from config)")
	agentsCreateCmd.Flags().StringVar(&agentTools, "tools", "list_notes,read_note,search_notes", "Comma-separated list of tools")
	agentsCreateCmd.Flags().StringVar(&agentSubAgents, "subagents", "", "Comma-separated list of agents to delegate to")
	agentsCreateCmd.Flags().BoolVar(&agentGenerate, "generate", false, "Generate instructions with the model")
	agentsCreateCmd.MarkFlagRequired("description")

	agentsInitCmd.Flags().BoolVarP(&agentForce, "force", "f", false, "Overwrite existing definitions")
}

// --- vaultagent agents list ---

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents",
	RunE:  runAgentsList,
}

func runAgentsList(cmd *cobra.Command, args []string) error {
	store := agent.NewDefinitionStore(config.AgentsDir())
	defs, err := store.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "⚠ %v\n", err)
	}

	builtin := false
	if len(defs) == 0 {
		defs = agent.DefaultDefinitions()
		builtin = true
	}

	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(defs)
	}

	if builtin {
		fmt.Println("No stored agents, showing the built-in ones.")
		fmt.Println("Run 'vaultagent agents init' to write them to disk for editing.")
		fmt.Println()
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tMODEL\tTOOLS\tSUBAGENTS\tDESCRIPTION")
	for _, d := range defs {
		model := d.Model
		if model == "" {
			model = "(default)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			d.Name,
			model,
			truncateStr(strings.Join(d.Tools, ","), 30),
			orDash(strings.Join(d.SubAgents, ",")),
			truncateStr(d.Description, 40),
		)
	}
	return w.Flush()
}

// --- vaultagent agents show ---

var agentsShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show an agent definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := findDefinition(args[0])
		if err != nil {
			return err
		}
		if jsonOut {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(def)
		}
		return toml.NewEncoder(os.Stdout).Encode(def)
	},
}

// findDefinition looks in the store first and the built-in agents second.
func findDefinition(name string) (*agent.Definition, error) {
	store := agent.NewDefinitionStore(config.AgentsDir())
	if store.Exists(name) {
		return store.Load(name)
	}
	for _, d := range agent.DefaultDefinitions() {
		if d.Name == name {
			return d, nil
		}
	}
	return nil, agent.NotFound(name)
}

// --- vaultagent agents create ---

var agentsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create an agent",
	Long: `Create a new agent definition.

Examples:
  vaultagent agents create journal --description "Keeps the daily journal" --tools read_note,write_note,edit_note
  vaultagent agents create librarian --description "Organizes notes" --subagents researcher,editor --generate`,
	Args: cobra.ExactArgs(1),
	RunE: runAgentsCreate,
}

func runAgentsCreate(cmd *cobra.Command, args []string) error {
	name := args[0]
	if err := agent.ValidateName(name); err != nil {
		return err
	}

	store := agent.NewDefinitionStore(config.AgentsDir())
	if store.Exists(name) {
		return fmt.Errorf("agent already exists: %s (use 'vaultagent agents delete %s' first)", name, name)
	}

	def := &agent.Definition{
		Name:         name,
		Description:  agentDescription,
		Instructions: agentInstructions,
		Provider:     agentProvider,
		Model:        agentModel,
		Tools:        splitList(agentTools),
		SubAgents:    splitList(agentSubAgents),
	}

	icfg := agent.InstructionsConfig{
		Name:        def.Name,
		Description: def.Description,
		Tools:       def.Tools,
		SubAgents:   def.SubAgents,
		Model:       def.Model,
	}

	if def.Instructions == "" && agentGenerate {
		fmt.Println("🤖 Generating instructions...")
		generated, err := generateInstructions(cmd.Context(), def.Provider, icfg)
		if err == nil {
			def.Instructions = generated
			fmt.Println("✓ Generated instructions")
		} else {
			fmt.Printf("⚠ Could not generate instructions: %v\n", err)
			fmt.Println("  Using default instructions instead")
		}
	}

	// Fallback to default if nothing was generated
	if def.Instructions == "" {
		def.Instructions = agent.DefaultInstructions(icfg)
	}

	if err := store.Save(def); err != nil {
		return err
	}

	fmt.Printf("Agent '%s' created\n", name)
	fmt.Printf("  Description: %s\n", def.Description)
	fmt.Printf("  Tools: %s\n", strings.Join(def.Tools, ", "))
	if len(def.SubAgents) > 0 {
		fmt.Printf("  Delegates to: %s\n", strings.Join(def.SubAgents, ", "))
	}
	fmt.Println("")
	fmt.Println("Address it in chat with: @" + name + " <message>")
	return nil
}

func generateInstructions(ctx context.Context, providerName string, icfg agent.InstructionsConfig) (string, error) {
	e, err := newEnv(ctx, envOptions{})
	if err != nil {
		return "", err
	}
	defer e.Close()

	prov, err := e.providers.Get(providerName)
	if err != nil {
		return "", err
	}
	return agent.GenerateInstructions(ctx, prov, icfg)
}

// --- vaultagent agents delete ---

var agentsDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := agent.NewDefinitionStore(config.AgentsDir())
		if err := store.Delete(args[0]); err != nil {
			return err
		}
		fmt.Printf("Agent '%s' deleted\n", args[0])
		return nil
	},
}

// --- vaultagent agents init ---

var agentsInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the built-in agents to disk",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := agent.NewDefinitionStore(config.AgentsDir())
		for _, d := range agent.DefaultDefinitions() {
			if store.Exists(d.Name) && !agentForce {
				fmt.Printf("  skipped %s (exists, use --force to overwrite)\n", d.Name)
				continue
			}
			if err := store.Save(d); err != nil {
				return err
			}
			fmt.Printf("  wrote %s\n", d.Name)
		}
		fmt.Printf("Agents are in %s\n", store.Dir())
		return nil
	},
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func truncateStr(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
