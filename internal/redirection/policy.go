package redirection

import (
	"context"
	"errors"
	"time"

	"github.com/lewisedginton/telefeed/internal/chat"
	"github.com/lewisedginton/telefeed/internal/domain"
	"github.com/lewisedginton/telefeed/pkg/logger"
	"github.com/lewisedginton/telefeed/pkg/metrics"
)

// process applies one event and records its outcome. A failure never
// affects later events of the same listener.
func (e *Engine) process(ctx context.Context, l *listener, ev event) {
	defer e.finish()

	start := time.Now()
	var outcome string
	if ev.kind == metrics.EventEdit {
		outcome = e.onEdited(ctx, l, ev)
	} else {
		outcome = e.onNew(ctx, l, ev)
	}
	e.config.Metrics.ObserveEvent(ev.kind, outcome, time.Since(start))
}

// onNew sends text as a new message, or forwards media when there is no
// text, and records the link.
func (e *Engine) onNew(ctx context.Context, l *listener, ev event) string {
	msg := ev.msg
	text, filtered := e.outgoingText(l, msg)
	if filtered {
		e.eventLog(l, ev).Debug("Message filtered")
		return metrics.OutcomeFiltered
	}
	if text == "" && !msg.HasMedia() {
		return metrics.OutcomeSkipped
	}

	destID, err := e.send(ctx, l, msg, text)
	if err != nil {
		e.failed(ctx, l, ev, "Failed to forward message", err)
		return metrics.OutcomeFailed
	}
	e.config.Metrics.SetLinks(e.links.put(linkKey(l, msg), destID))

	e.eventLog(l, ev).Info("Message redirected", logger.Int64Field("destination_message_id", destID))
	return metrics.OutcomeSent
}

// onEdited resolves the destination copy through the link table and edits,
// replaces or deletes it. Edits of messages without a link are ignored.
func (e *Engine) onEdited(ctx context.Context, l *listener, ev event) string {
	msg := ev.msg
	key := linkKey(l, msg)
	destID, ok := e.links.get(key)
	if !ok {
		e.eventLog(l, ev).Debug("Edit of unlinked message ignored")
		return metrics.OutcomeSkipped
	}

	// A filtered edit counts as an edit that removed the text.
	text, _ := e.outgoingText(l, msg)

	switch {
	case text != "":
		res, err := e.editText(ctx, l, destID, text)
		if err == nil || errors.Is(err, chat.ErrNotModified) {
			if err != nil || res == chat.EditUnchanged {
				return metrics.OutcomeSkipped
			}
			e.eventLog(l, ev).Info("Redirected message edited", logger.Int64Field("destination_message_id", destID))
			return metrics.OutcomeEdited
		}
		e.eventLog(l, ev).Warn("Edit failed, sending replacement", logger.ErrorField(err))
		return e.replace(ctx, l, ev, key, destID, text)

	case msg.HasMedia():
		return e.replace(ctx, l, ev, key, destID, "")

	default:
		err := e.delete(ctx, l, destID)
		if err != nil && !errors.Is(err, chat.ErrMessageNotFound) {
			e.failed(ctx, l, ev, "Failed to delete redirected message", err)
			return metrics.OutcomeFailed
		}
		e.config.Metrics.SetLinks(e.links.remove(key))
		e.eventLog(l, ev).Info("Redirected message deleted", logger.Int64Field("destination_message_id", destID))
		return metrics.OutcomeDeleted
	}
}

// replace deletes the old destination copy, best effort, and sends the
// message again, pointing the link at the new copy.
func (e *Engine) replace(ctx context.Context, l *listener, ev event, key domain.LinkKey, oldID int64, text string) string {
	if err := e.delete(ctx, l, oldID); err != nil {
		e.eventLog(l, ev).Debug("Could not delete replaced message", logger.ErrorField(err))
	}

	destID, err := e.send(ctx, l, ev.msg, text)
	if err != nil {
		e.config.Metrics.SetLinks(e.links.remove(key))
		e.failed(ctx, l, ev, "Failed to send replacement message", err)
		return metrics.OutcomeFailed
	}
	e.config.Metrics.SetLinks(e.links.put(key, destID))

	e.eventLog(l, ev).Info("Redirected message replaced",
		logger.Int64Field("previous_message_id", oldID),
		logger.Int64Field("destination_message_id", destID))
	return metrics.OutcomeResent
}

// outgoingText runs the rule's pipeline over the message text. filtered is
// true when the message had text and the pipeline rejected it.
func (e *Engine) outgoingText(l *listener, msg chat.Message) (text string, filtered bool) {
	if !msg.HasText() {
		return "", false
	}
	out, keep := l.pipeline.Load().Apply(msg.Text)
	if !keep {
		return "", true
	}
	return out, false
}

func (e *Engine) send(ctx context.Context, l *listener, msg chat.Message, text string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.OperationTimeout)
	defer cancel()

	dest := l.rule.DestinationID
	if text != "" {
		id, err := l.client.SendText(ctx, dest, text)
		return id, chat.Wrap("send text", err)
	}
	id, err := l.client.Forward(ctx, dest, msg)
	return id, chat.Wrap("forward", err)
}

func (e *Engine) editText(ctx context.Context, l *listener, messageID int64, text string) (chat.EditResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.OperationTimeout)
	defer cancel()
	res, err := l.client.EditText(ctx, l.rule.DestinationID, messageID, text)
	return res, chat.Wrap("edit text", err)
}

func (e *Engine) delete(ctx context.Context, l *listener, messageID int64) error {
	ctx, cancel := context.WithTimeout(ctx, e.config.OperationTimeout)
	defer cancel()
	return chat.Wrap("delete", l.client.Delete(ctx, l.rule.DestinationID, messageID))
}

// failed logs a dropped event and hands the error to the session layer. A
// permanent failure also stops the listeners bound to the session.
func (e *Engine) failed(ctx context.Context, l *listener, ev event, msg string, err error) {
	e.eventLog(l, ev).Error(msg,
		logger.StringField("error_kind", domain.KindOf(err).String()),
		logger.ErrorField(err))

	e.config.Sessions.ReportFailure(ctx, l.rule.Owner, l.rule.Phone, err)
	if domain.IsKind(err, domain.KindProtocolPermanent) {
		e.RemoveSession(l.rule.Owner, l.rule.Phone)
	}
}

func (e *Engine) eventLog(l *listener, ev event) logger.Logger {
	return e.config.Logger.WithFields(
		logger.EventIDField(ev.id),
		logger.StringField("event_kind", ev.kind),
		logger.OwnerField(l.rule.Owner),
		logger.RuleField(l.rule.Name),
		logger.ChatIDField("source_id", l.rule.SourceID),
		logger.ChatIDField("destination_id", l.rule.DestinationID),
		logger.MessageIDField(ev.msg.ID),
	)
}

func linkKey(l *listener, msg chat.Message) domain.LinkKey {
	return domain.LinkKey{
		SourceChat:    l.rule.SourceID,
		SourceMessage: msg.ID,
		DestChat:      l.rule.DestinationID,
	}
}
