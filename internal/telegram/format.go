package telegram

import (
	"errors"
	"fmt"
	"strings"

	tb "gopkg.in/tucnak/telebot.v2"

	"github.com/capitalize-ai/operator-relay/internal/model"
	"github.com/capitalize-ai/operator-relay/internal/service"
)

// callbackPrefix marks inline button data carrying a challenge answer.
const callbackPrefix = "verify:"

// notificationHeader is the first line of every forwarded message. It
// carries the visitor id so operators can use /r without replying.
func notificationHeader(n *model.Notification) string {
	var b strings.Builder
	if n.Warning {
		b.WriteString("⚠️ ")
	}
	fmt.Fprintf(&b, "#%d %s", n.VisitorID, n.Label)
	if n.Channel != model.ChannelTelegram {
		fmt.Fprintf(&b, " [%s]", n.Channel)
	}
	if n.Warning && len(n.MatchedWords) > 0 {
		fmt.Fprintf(&b, " (flagged: %s)", strings.Join(n.MatchedWords, ", "))
	}
	return b.String()
}

// formatNotification renders a forwarded text message.
func formatNotification(n *model.Notification) string {
	if n.Text == "" {
		return notificationHeader(n)
	}
	return notificationHeader(n) + "\n\n" + n.Text
}

// challengeMarkup renders challenge options as one row of inline buttons.
func challengeMarkup(c *model.Challenge) *tb.ReplyMarkup {
	if c == nil || len(c.Options) == 0 {
		return nil
	}
	row := make([]tb.InlineButton, 0, len(c.Options))
	for _, opt := range c.Options {
		text := opt
		if c.Kind == model.ChallengeButton {
			text = "I am human"
		}
		row = append(row, tb.InlineButton{Text: text, Data: callbackPrefix + opt})
	}
	return &tb.ReplyMarkup{InlineKeyboard: [][]tb.InlineButton{row}}
}

// parseCallback extracts the answer from inline button data.
func parseCallback(data string) (string, bool) {
	if !strings.HasPrefix(data, callbackPrefix) {
		return "", false
	}
	answer := strings.TrimPrefix(data, callbackPrefix)
	return answer, answer != ""
}

// attachmentOf returns the media carried by m, if any.
func attachmentOf(m *tb.Message) *model.Attachment {
	switch {
	case m.Photo != nil:
		return &model.Attachment{Kind: model.AttachmentPhoto, Ref: m.Photo.FileID, Caption: m.Caption}
	case m.Document != nil:
		return &model.Attachment{Kind: model.AttachmentDocument, Ref: m.Document.FileID, Caption: m.Caption}
	case m.Voice != nil:
		return &model.Attachment{Kind: model.AttachmentVoice, Ref: m.Voice.FileID, Caption: m.Caption}
	case m.Video != nil:
		return &model.Attachment{Kind: model.AttachmentVideo, Ref: m.Video.FileID, Caption: m.Caption}
	case m.Sticker != nil:
		return &model.Attachment{Kind: model.AttachmentSticker, Ref: m.Sticker.FileID}
	}
	return nil
}

// media builds a sendable telebot value for an attachment.
func media(att *model.Attachment, caption string) (interface{}, error) {
	file := tb.File{FileID: att.Ref}
	switch att.Kind {
	case model.AttachmentPhoto:
		return &tb.Photo{File: file, Caption: caption}, nil
	case model.AttachmentDocument:
		return &tb.Document{File: file, Caption: caption}, nil
	case model.AttachmentVoice:
		return &tb.Voice{File: file, Caption: caption}, nil
	case model.AttachmentVideo:
		return &tb.Video{File: file, Caption: caption}, nil
	case model.AttachmentSticker:
		return &tb.Sticker{File: file}, nil
	}
	return nil, fmt.Errorf("%w: unsupported attachment kind %q", service.ErrPermanent, att.Kind)
}

// displayName is the visitor label shown to operators.
func displayName(u *tb.User) string {
	if u == nil {
		return ""
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if u.Username != "" {
		if name == "" {
			return "@" + u.Username
		}
		return name + " (@" + u.Username + ")"
	}
	return name
}

// classify marks errors that retrying cannot fix as permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, tb.ErrBlockedByUser),
		errors.Is(err, tb.ErrUserIsDeactivated),
		errors.Is(err, tb.ErrChatNotFound):
		return fmt.Errorf("%w: %v", service.ErrPermanent, err)
	}
	return err
}

// replyError turns a service error into a short message for the operator.
func replyError(err error) string {
	var de *service.DeliveryError
	switch {
	case errors.As(err, &de):
		return fmt.Sprintf("Delivery to #%d failed after %d attempts.", de.VisitorID, de.Attempts)
	case errors.Is(err, service.ErrUnknownVisitor):
		return "No such visitor. Reply to a forwarded message or use /r <visitor> <text>."
	case errors.Is(err, service.ErrUnknownOperator):
		return "You are not registered as an operator."
	case errors.Is(err, service.ErrInvalidInput):
		return "Nothing to send."
	case errors.Is(err, service.ErrStoreUnavailable):
		return "Storage is unavailable, try again later."
	}
	return "Something went wrong."
}
