package chat

import (
	"regexp"
	"strings"
)

// ParsedMessage represents a parsed user message.
type ParsedMessage struct {
	Original    string
	Content     string // message without @agent
	TargetAgent string // specific agent if @agent used
	TargetAll   bool   // true if @all used
}

var mentionRe = regexp.MustCompile(`^@([\w-]+)\s+((?s).*)$`)

// ParseMessage extracts routing info from msg. A leading @name addresses
// one agent, @all every agent.
func ParseMessage(msg string) *ParsedMessage {
	parsed := &ParsedMessage{
		Original: msg,
		Content:  msg,
	}

	matches := mentionRe.FindStringSubmatch(strings.TrimSpace(msg))
	if len(matches) == 3 {
		target := strings.ToLower(matches[1])
		parsed.Content = matches[2]

		if target == "all" {
			parsed.TargetAll = true
		} else {
			parsed.TargetAgent = target
		}
	}

	return parsed
}

// Command is a slash command typed into the chat input.
type Command struct {
	Name string
	Args string
}

// ParseCommand recognizes "/name args". ok is false for ordinary messages.
func ParseCommand(input string) (Command, bool) {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "/") || len(input) == 1 {
		return Command{}, false
	}
	name, args, _ := strings.Cut(input[1:], " ")
	return Command{Name: strings.ToLower(name), Args: strings.TrimSpace(args)}, true
}
