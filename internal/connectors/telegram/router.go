package telegram

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/lewisedginton/telefeed/internal/chat"
	"github.com/lewisedginton/telefeed/internal/connection"
	"github.com/lewisedginton/telefeed/internal/domain"
	"github.com/lewisedginton/telefeed/internal/session_manager"
	"github.com/lewisedginton/telefeed/pkg/logger"
)

// maxReplyLength keeps replies under the Bot API message limit.
const maxReplyLength = 4000

// pairPattern matches "SRC - DST"; chat ids may be negative.
var pairPattern = regexp.MustCompile(`^(-?\d+)\s*-\s*(-?\d+)$`)

// Connections runs the sign-in flow.
type Connections interface {
	RequestCode(ctx context.Context, owner int64, phone string) (string, error)
	HandleCodeInput(ctx context.Context, owner int64, text string) (connection.Result, bool, error)
}

// Rules manages redirection rules.
type Rules interface {
	BeginRule(ctx context.Context, owner int64, name, phone string) error
	BeginChange(ctx context.Context, owner int64, name string) (domain.Rule, error)
	CompleteRule(ctx context.Context, owner, sourceID, destinationID int64) (domain.Rule, error)
	RemoveRule(ctx context.Context, owner int64, name string) error
	ListRules(ctx context.Context, owner int64, phone string) ([]domain.Rule, error)
	SetFilters(ctx context.Context, owner int64, name string, filters domain.Filters) (domain.Rule, error)
}

// Sessions lists an owner's sessions and their dialogs.
type Sessions interface {
	ListSessions(ctx context.Context, owner int64) ([]session_manager.SessionInfo, error)
	ListDialogs(ctx context.Context, owner int64, phone, filter string) ([]chat.Dialog, error)
}

// RouterConfig holds configuration for the router
type RouterConfig struct {
	Connections Connections
	Rules       Rules
	Sessions    Sessions
	Logger      logger.Logger
}

// Router turns owner text into core operations and their replies. It does
// not depend on the Bot API so it can be driven directly.
type Router struct {
	config   RouterConfig
	commands *CommandRegistry
}

func NewRouter(config RouterConfig) (*Router, error) {
	if config.Connections == nil {
		return nil, fmt.Errorf("connections are required")
	}
	if config.Rules == nil {
		return nil, fmt.Errorf("rules are required")
	}
	if config.Sessions == nil {
		return nil, fmt.Errorf("sessions are required")
	}
	if config.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	r := &Router{config: config}
	r.setupCommands()
	return r, nil
}

// setupCommands initializes the command registry with all available commands
func (r *Router) setupCommands() {
	r.commands = NewCommandRegistry()
	r.commands.Register("/start", r.handleHelp)
	r.commands.Register("/help", r.handleHelp)
	r.commands.Register("/connect", r.handleConnect)
	r.commands.Register("/redirection", r.handleRedirection)
	r.commands.Register("/whitelist", r.handleWhitelist)
	r.commands.Register("/blacklist", r.handleBlacklist)
	r.commands.Register("/transformation", r.handleTransformation)
	r.commands.Register("/chats", r.handleChats)
	r.commands.Register("/sessions", r.handleSessions)
}

// Reply handles one message from owner. An empty reply means the message
// was not meant for the bot.
func (r *Router) Reply(ctx context.Context, owner int64, text string) string {
	text = strings.TrimSpace(text)
	log := r.config.Logger.WithFields(logger.OwnerField(owner))

	reply, ok, err := r.commands.Handle(ctx, owner, text)
	if ok {
		if err != nil {
			log.Warn("Command failed", logger.StringField("command", commandName(text)), logger.ErrorField(err))
			return errorReply(err)
		}
		return reply
	}

	res, handled, err := r.config.Connections.HandleCodeInput(ctx, owner, text)
	if handled {
		if err != nil {
			log.Warn("Code input rejected", logger.ErrorField(err))
			return errorReply(err)
		}
		return fmt.Sprintf("Connected +%s.\n%d redirection(s) active on your sessions.", res.Phone, res.Listeners)
	}

	if m := pairPattern.FindStringSubmatch(text); m != nil {
		reply, err := r.completeRule(ctx, owner, m[1], m[2])
		if err != nil {
			log.Warn("Completing redirection failed", logger.ErrorField(err))
			return errorReply(err)
		}
		return reply
	}

	return ""
}

func (r *Router) handleHelp(_ context.Context, _ Request) (string, error) {
	return helpText, nil
}

func (r *Router) handleConnect(ctx context.Context, req Request) (string, error) {
	if len(req.Args) != 1 {
		return "Usage: /connect NUMBER\nExample: /connect +229900112233", nil
	}
	phone, err := r.config.Connections.RequestCode(ctx, req.Owner, req.Args[0])
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("A verification code was sent to +%s.\nReply with the code prefixed by %q, for example %s12345.",
		phone, connection.CodePrefix, connection.CodePrefix), nil
}

// handleRedirection accepts:
//
//	/redirection [add] NAME on NUMBER
//	/redirection change NAME on NUMBER
//	/redirection remove NAME on NUMBER
//	/redirection list on NUMBER
//	/redirection NUMBER
func (r *Router) handleRedirection(ctx context.Context, req Request) (string, error) {
	args := req.Args
	switch {
	case len(args) == 0:
		return redirectionUsage, nil
	case len(args) == 1:
		return r.listRules(ctx, req.Owner, args[0])
	case len(args) == 2 && args[0] == "list":
		return r.listRules(ctx, req.Owner, args[1])
	case len(args) == 3 && args[0] == "list" && args[1] == "on":
		return r.listRules(ctx, req.Owner, args[2])
	case len(args) == 3 && args[1] == "on":
		return r.beginRule(ctx, req.Owner, args[0], args[2])
	case len(args) == 4 && args[2] == "on":
		switch args[0] {
		case "add":
			return r.beginRule(ctx, req.Owner, args[1], args[3])
		case "change":
			return r.beginChange(ctx, req.Owner, args[1], args[3])
		case "remove":
			return r.removeRule(ctx, req.Owner, args[1], args[3])
		}
	}
	return "Incorrect format.\n\n" + redirectionUsage, nil
}

func (r *Router) beginRule(ctx context.Context, owner int64, name, phone string) (string, error) {
	if err := r.config.Rules.BeginRule(ctx, owner, name, phone); err != nil {
		return "", err
	}
	return fmt.Sprintf("Redirection %s is waiting for its chats.\nSend them as SOURCE_ID - DESTINATION_ID (see /chats).", name), nil
}

func (r *Router) beginChange(ctx context.Context, owner int64, name, phone string) (string, error) {
	if _, err := domain.NormalizePhone(phone); err != nil {
		return "", err
	}
	rule, err := r.config.Rules.BeginChange(ctx, owner, name)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Changing %s on +%s (currently %d -> %d).\nSend the new SOURCE_ID - DESTINATION_ID.",
		rule.Name, rule.Phone, rule.SourceID, rule.DestinationID), nil
}

func (r *Router) removeRule(ctx context.Context, owner int64, name, phone string) (string, error) {
	if _, err := domain.NormalizePhone(phone); err != nil {
		return "", err
	}
	if err := r.config.Rules.RemoveRule(ctx, owner, name); err != nil {
		return "", err
	}
	return fmt.Sprintf("Redirection %s removed.", name), nil
}

func (r *Router) listRules(ctx context.Context, owner int64, phone string) (string, error) {
	normalized, err := domain.NormalizePhone(phone)
	if err != nil {
		return "", err
	}
	rules, err := r.config.Rules.ListRules(ctx, owner, normalized)
	if err != nil {
		return "", err
	}
	if len(rules) == 0 {
		return fmt.Sprintf("No active redirection on +%s.", normalized), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Active redirections on +%s:\n", normalized)
	for _, rule := range rules {
		fmt.Fprintf(&b, "• %s: %d -> %d", rule.Name, rule.SourceID, rule.DestinationID)
		if !rule.Filters.IsZero() {
			fmt.Fprintf(&b, " (%s)", rule.Filters)
		}
		b.WriteByte('\n')
	}
	return truncate(b.String()), nil
}

func (r *Router) completeRule(ctx context.Context, owner int64, src, dst string) (string, error) {
	const op = "complete rule"

	sourceID, err := strconv.ParseInt(src, 10, 64)
	if err != nil {
		return "", domain.Errorf(domain.KindInvalidInput, op, "source chat id %q is not a number", src)
	}
	destinationID, err := strconv.ParseInt(dst, 10, 64)
	if err != nil {
		return "", domain.Errorf(domain.KindInvalidInput, op, "destination chat id %q is not a number", dst)
	}

	rule, err := r.config.Rules.CompleteRule(ctx, owner, sourceID, destinationID)
	if err != nil {
		return "", err
	}

	reply := fmt.Sprintf("Redirection %s is active: %d -> %d on +%s.", rule.Name, rule.SourceID, rule.DestinationID, rule.Phone)
	if rule.SupersededFrom != "" {
		reply += fmt.Sprintf("\nIt replaces %s.", rule.SupersededFrom)
	}
	return reply, nil
}

// handleChats accepts /chats [KIND] [on] NUMBER.
func (r *Router) handleChats(ctx context.Context, req Request) (string, error) {
	args := make([]string, 0, len(req.Args))
	for _, a := range req.Args {
		if a != "on" {
			args = append(args, a)
		}
	}

	var filter, phone string
	switch len(args) {
	case 1:
		phone = args[0]
	case 2:
		filter, phone = args[0], args[1]
	default:
		return chatsUsage, nil
	}

	normalized, err := domain.NormalizePhone(phone)
	if err != nil {
		return "", err
	}
	dialogs, err := r.config.Sessions.ListDialogs(ctx, req.Owner, normalized, filter)
	if err != nil {
		return "", err
	}
	if len(dialogs) == 0 {
		return fmt.Sprintf("No chats found on +%s.", normalized), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Chats on +%s:\n", normalized)
	for _, d := range dialogs {
		fmt.Fprintf(&b, "• [%s] %s: %d", d.Kind, d.Name, d.ID)
		if d.Username != "" {
			fmt.Fprintf(&b, " (@%s)", d.Username)
		}
		b.WriteByte('\n')
	}
	return truncate(b.String()), nil
}

func (r *Router) handleSessions(ctx context.Context, req Request) (string, error) {
	sessions, err := r.config.Sessions.ListSessions(ctx, req.Owner)
	if err != nil {
		return "", err
	}
	if len(sessions) == 0 {
		return "No session yet. Use /connect NUMBER.", nil
	}

	var b strings.Builder
	b.WriteString("Your sessions:\n")
	for _, s := range sessions {
		status := "inactive"
		switch {
		case s.Live:
			status = "connected"
		case s.Active:
			status = "stored"
		}
		fmt.Fprintf(&b, "• +%s %s, last used %s\n", s.Phone, status, s.LastUsed.UTC().Format("2006-01-02 15:04"))
	}
	return truncate(b.String()), nil
}

func commandName(text string) string {
	if fields := strings.Fields(text); len(fields) > 0 {
		return fields[0]
	}
	return ""
}

func truncate(s string) string {
	if len(s) <= maxReplyLength {
		return s
	}
	cut := strings.LastIndexByte(s[:maxReplyLength], '\n')
	if cut < 0 {
		cut = maxReplyLength
	}
	return s[:cut] + "\n…"
}
