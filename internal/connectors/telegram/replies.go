package telegram

import (
	"errors"
	"fmt"

	"github.com/lewisedginton/telefeed/internal/domain"
)

const helpText = `Available commands:
/connect NUMBER - connect a phone number
/redirection NAME on NUMBER - create a redirection
/redirection change NAME on NUMBER - change the chats of a redirection
/redirection remove NAME on NUMBER - remove a redirection
/redirection list on NUMBER - show active redirections
/whitelist add|remove|change NAME on NUMBER PATTERN - forward only matching text
/blacklist add|remove|change NAME on NUMBER PATTERN - never forward matching text
/whitelist clear [NAME] on NUMBER, /blacklist clear [NAME] on NUMBER
/transformation add replace|removeLines|format NAME on NUMBER ARG - rewrite text
/transformation remove KIND NAME on NUMBER, /transformation clear [NAME] on NUMBER
/chats [user|bot|group|channel] on NUMBER - list chat ids
/sessions - show your connected numbers
/help - show this help

After /connect, reply with the code you received prefixed by "aa" (aa12345).
After /redirection, reply with SOURCE_ID - DESTINATION_ID.`

const redirectionUsage = `Usage:
/redirection NAME on NUMBER
/redirection change NAME on NUMBER
/redirection remove NAME on NUMBER
/redirection list on NUMBER

Use /chats to find chat ids.`

const chatsUsage = `Usage: /chats [user|bot|group|channel] on NUMBER`

const transformationUsage = `Usage:
/transformation add replace NAME on NUMBER PATTERN => REPLACEMENT
/transformation add removeLines NAME on NUMBER PATTERN
/transformation add format NAME on NUMBER TEMPLATE
/transformation remove replace|removeLines|format NAME on NUMBER
/transformation clear [NAME] on NUMBER

Patterns are regular expressions. A format template must contain {text}.`

func patternsUsage(list patternList) string {
	return fmt.Sprintf(`Usage:
/%[1]s add NAME on NUMBER PATTERN
/%[1]s remove NAME on NUMBER PATTERN
/%[1]s change NAME on NUMBER PATTERN
/%[1]s clear [NAME] on NUMBER

PATTERN is a regular expression matched against the message text.`, list)
}

// errorReply is the only place where error kinds become owner-facing text.
func errorReply(err error) string {
	var detail string
	var e *domain.Error
	if errors.As(err, &e) && e.Kind == domain.KindInvalidInput && e.Err != nil {
		detail = "\n" + e.Err.Error()
	}

	switch domain.KindOf(err) {
	case domain.KindInvalidInput:
		return "Invalid input." + detail
	case domain.KindNotAuthorized:
		return "Access denied: this feature requires an active license."
	case domain.KindNoPendingRule:
		return "No redirection is waiting for chats. Start with /redirection NAME on NUMBER."
	case domain.KindRuleNotFound:
		return "No active redirection with that name."
	case domain.KindSessionUnavailable:
		return "This number is not connected. Use /connect NUMBER first."
	case domain.KindProtocolTransient:
		return "Telegram is not responding right now. Please try again in a moment."
	case domain.KindProtocolPermanent:
		return "The session for this number is no longer valid. Use /connect NUMBER to sign in again."
	default:
		return "Something went wrong. Please try again."
	}
}
