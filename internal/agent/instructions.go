package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/eachlabs/vaultagent/internal/message"
	"github.com/eachlabs/vaultagent/internal/provider"
	"github.com/eachlabs/vaultagent/internal/textgen"
)

// InstructionsConfig describes an agent for instruction generation.
type InstructionsConfig struct {
	Name        string
	Description string
	Tools       []string
	SubAgents   []string
	Model       string
}

// GenerateInstructions asks the model to write system instructions for an
// agent.
func GenerateInstructions(ctx context.Context, prov provider.Provider, cfg InstructionsConfig) (string, error) {
	toolList := "none"
	if len(cfg.Tools) > 0 {
		toolList = strings.Join(cfg.Tools, ", ")
	}

	agentList := "none"
	if len(cfg.SubAgents) > 0 {
		agentList = strings.Join(cfg.SubAgents, ", ")
	}

	prompt := fmt.Sprintf(`Write the system instructions for an assistant that works inside a notes vault (a folder of Markdown notes with [[wiki links]]).

**Agent Name:** %s
**Purpose:** %s
**Tools Available:** %s
**Agents it can delegate to:** %s

Cover who the agent is, how it should use its tools on the vault, how it should write and link notes, and what it must not do. When it can delegate, explain when to hand work to another agent and that the delegated prompt must be self-contained.

Keep it under 600 words. Output ONLY the instructions in Markdown, no commentary.`, cfg.Name, cfg.Description, toolList, agentList)

	res, err := textgen.GenerateText(ctx, textgen.Request{
		Provider: prov,
		Model:    cfg.Model,
		Messages: []message.Message{message.NewUser("instructions", prompt)},
		Settings: textgen.Settings{MaxSteps: 1, MaxTokens: 4096},
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate instructions: %w", err)
	}

	return strings.TrimSpace(res.Text), nil
}

// DefaultInstructions builds simple instructions without a model.
func DefaultInstructions(cfg InstructionsConfig) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("%s\n\n", cfg.Description))
	sb.WriteString(fmt.Sprintf("You are %s, an assistant working inside the user's notes vault.\n\n", cfg.Name))

	sb.WriteString("## Guidelines\n")
	sb.WriteString("- Refer to notes by their vault path\n")
	sb.WriteString("- Read a note before changing it\n")
	sb.WriteString("- Keep the user's formatting, front matter and [[links]] intact\n")
	sb.WriteString("- Say so when the vault does not contain what was asked for\n\n")

	if len(cfg.Tools) > 0 {
		sb.WriteString("## Tools\n")
		for _, t := range cfg.Tools {
			sb.WriteString(fmt.Sprintf("- `%s`\n", t))
		}
		sb.WriteString("\n")
	}

	if len(cfg.SubAgents) > 0 {
		sb.WriteString("## Delegation\n")
		sb.WriteString(fmt.Sprintf("Use `%s` to hand focused tasks to: %s. ", DelegateToolName, strings.Join(cfg.SubAgents, ", ")))
		sb.WriteString("They cannot see this conversation, so include everything they need in the prompt.\n")
	}

	return strings.TrimSpace(sb.String()) + "\n"
}
