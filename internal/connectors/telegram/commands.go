package telegram

import (
	"context"
	"strings"
)

// Request is one owner message addressed to the bot.
type Request struct {
	Owner int64
	Text  string
	// Args are the whitespace-separated words after the command.
	Args []string
}

// CommandHandler handles a specific bot command and returns the reply text.
type CommandHandler func(ctx context.Context, req Request) (string, error)

// CommandRegistry manages bot command handlers
type CommandRegistry struct {
	handlers map[string]CommandHandler
}

// NewCommandRegistry creates a new command registry
func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{
		handlers: make(map[string]CommandHandler),
	}
}

// Register adds a command handler to the registry
func (r *CommandRegistry) Register(command string, handler CommandHandler) {
	r.handlers[command] = handler
}

// Handle runs the handler for a command message. ok is false when text is
// not a command at all.
func (r *CommandRegistry) Handle(ctx context.Context, owner int64, text string) (reply string, ok bool, err error) {
	text = strings.TrimSpace(text)
	if !r.IsCommand(text) {
		return "", false, nil
	}

	fields := strings.Fields(text)
	command := strings.ToLower(fields[0])
	// Commands addressed as /cmd@botname in groups.
	if at := strings.IndexByte(command, '@'); at > 0 {
		command = command[:at]
	}

	handler, exists := r.handlers[command]
	if !exists {
		return "Unknown command: " + command + "\nSend /help for the list of commands.", true, nil
	}

	reply, err = handler(ctx, Request{Owner: owner, Text: text, Args: fields[1:]})
	return reply, true, err
}

// IsCommand checks if a message is a command
func (r *CommandRegistry) IsCommand(text string) bool {
	return strings.HasPrefix(text, "/")
}
