// Package telegram connects visitors and operators on Telegram to the relay.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	tb "gopkg.in/tucnak/telebot.v2"

	"github.com/capitalize-ai/operator-relay/internal/model"
	"github.com/capitalize-ai/operator-relay/internal/service"
	"github.com/capitalize-ai/operator-relay/pkg/logger"
)

const historyPage = 10

// Config holds Telegram bot settings.
type Config struct {
	Token          string
	PollTimeout    time.Duration
	HandlerTimeout time.Duration
}

// Relay is the part of the router the bot drives.
type Relay interface {
	Inbound(ctx context.Context, ev service.InboundEvent) (*service.InboundResult, error)
	Reply(ctx context.Context, req service.ReplyRequest) (*model.DeliveryResult, error)
	Broadcast(ctx context.Context, operatorID uint64, sourceRef, text string) (*service.BroadcastReport, error)
	History(ctx context.Context, visitorID, afterSeq uint64, limit int) (*model.ListMessagesResponse, error)
	Lookup(ctx context.Context, visitorID uint64) (*model.Visitor, error)
	SetListFlag(ctx context.Context, visitorID uint64, flag model.ListFlag, reason string) (*model.Visitor, error)
	CloseThread(ctx context.Context, visitorID uint64) (*model.Visitor, error)
	OperatorByNative(ctx context.Context, nativeID string) (*model.Operator, error)
	SetOperatorReachable(ctx context.Context, operatorID uint64, reachable bool) error
}

// messenger is the subset of *tb.Bot used to talk back to Telegram.
type messenger interface {
	Send(to tb.Recipient, what interface{}, options ...interface{}) (*tb.Message, error)
	Respond(c *tb.Callback, resp ...*tb.CallbackResponse) error
}

// Bot is both the visitor Sender and the operator Notifier for Telegram.
type Bot struct {
	bot     *tb.Bot
	api     messenger
	relay   Relay
	logger  *logger.Logger
	timeout time.Duration
}

// New creates the bot and registers its update handlers. Call Run to start
// polling.
func New(cfg Config, relay Relay, log *logger.Logger) (*Bot, error) {
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 15 * time.Second
	}
	b, err := tb.NewBot(tb.Settings{
		Token:  cfg.Token,
		Poller: &tb.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	bot := newBot(b, relay, log, cfg.HandlerTimeout)
	bot.bot = b
	for _, endpoint := range []string{tb.OnText, tb.OnPhoto, tb.OnDocument, tb.OnVoice, tb.OnVideo, tb.OnSticker} {
		b.Handle(endpoint, bot.onMessage)
	}
	b.Handle(tb.OnCallback, bot.onCallback)
	return bot, nil
}

func newBot(api messenger, relay Relay, log *logger.Logger, timeout time.Duration) *Bot {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Bot{
		api:     api,
		relay:   relay,
		logger:  log.Named("telegram"),
		timeout: timeout,
	}
}

// Run polls for updates until ctx is done.
func (b *Bot) Run(ctx context.Context) {
	go b.bot.Start()
	b.logger.Info("telegram bot started", zap.String("username", b.bot.Me.Username))
	<-ctx.Done()
	b.bot.Stop()
}

// Send implements service.Sender for Telegram visitors.
func (b *Bot) Send(ctx context.Context, nativeID string, out service.Outgoing) (string, error) {
	return b.send(ctx, nativeID, out.Text, out.Attachment, challengeMarkup(out.Challenge))
}

// Notify implements service.Notifier. The returned ref is the Telegram
// message id, which operators reply to.
func (b *Bot) Notify(ctx context.Context, op *model.Operator, n *model.Notification) (string, error) {
	if n.Attachment != nil {
		caption := notificationHeader(n)
		if n.Attachment.Caption != "" {
			caption += "\n\n" + n.Attachment.Caption
		}
		return b.send(ctx, op.NativeID, caption, n.Attachment, nil)
	}
	return b.send(ctx, op.NativeID, formatNotification(n), nil, nil)
}

func (b *Bot) send(ctx context.Context, nativeID, text string, att *model.Attachment, markup *tb.ReplyMarkup) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	chatID, err := strconv.ParseInt(nativeID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: bad chat id %q", service.ErrPermanent, nativeID)
	}

	var what interface{} = text
	if att != nil {
		if what, err = media(att, text); err != nil {
			return "", err
		}
	}
	var opts []interface{}
	if markup != nil {
		opts = append(opts, markup)
	}

	sent, err := b.api.Send(tb.ChatID(chatID), what, opts...)
	if err != nil {
		return "", classify(err)
	}
	return strconv.Itoa(sent.ID), nil
}

func (b *Bot) onMessage(m *tb.Message) {
	if m.Sender == nil || !m.Private() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	nativeID := strconv.Itoa(m.Sender.ID)
	op, err := b.relay.OperatorByNative(ctx, nativeID)
	switch {
	case err == nil:
		b.handleOperator(ctx, op, m)
	case errors.Is(err, service.ErrUnknownOperator):
		b.handleVisitor(ctx, nativeID, m)
	default:
		b.logger.Error("failed to look up operator", zap.String("native_id", nativeID), zap.Error(err))
	}
}

func (b *Bot) handleVisitor(ctx context.Context, nativeID string, m *tb.Message) {
	att := attachmentOf(m)
	if name, ok := commandName(m.Text); ok && att == nil {
		// Bot commands are never relayed.
		if name == CmdStart {
			b.say(m.Chat, welcomeText)
		}
		return
	}

	ev := service.InboundEvent{
		Channel:    model.ChannelTelegram,
		NativeID:   nativeID,
		Label:      displayName(m.Sender),
		Kind:       service.InboundMessage,
		Text:       m.Text,
		Attachment: att,
	}
	if _, err := b.relay.Inbound(ctx, ev); err != nil {
		b.logger.Error("failed to handle visitor message", zap.String("native_id", nativeID), zap.Error(err))
	}
}

func (b *Bot) onCallback(c *tb.Callback) {
	defer func() {
		if err := b.api.Respond(c); err != nil {
			b.logger.Debug("failed to answer callback", zap.Error(err))
		}
	}()
	if c.Sender == nil {
		return
	}
	answer, ok := parseCallback(c.Data)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	ev := service.InboundEvent{
		Channel:  model.ChannelTelegram,
		NativeID: strconv.Itoa(c.Sender.ID),
		Label:    displayName(c.Sender),
		Kind:     service.InboundAnswer,
		Text:     answer,
	}
	if _, err := b.relay.Inbound(ctx, ev); err != nil {
		b.logger.Error("failed to handle challenge answer", zap.Error(err))
	}
}

func (b *Bot) handleOperator(ctx context.Context, op *model.Operator, m *tb.Message) {
	att := attachmentOf(m)
	if att == nil && strings.HasPrefix(m.Text, "/") {
		cmd, err := ParseCommand(m.Text)
		if err != nil {
			b.say(m.Chat, err.Error()+"\n\n"+helpText)
			return
		}
		b.runCommand(ctx, op, m, cmd)
		return
	}
	if m.ReplyTo == nil {
		b.say(m.Chat, "Reply to a forwarded message or use /r <visitor> <text>.")
		return
	}
	b.reply(ctx, m, service.ReplyRequest{
		OperatorID: op.ID,
		ReplyToRef: strconv.Itoa(m.ReplyTo.ID),
		SourceRef:  strconv.Itoa(m.ID),
		Text:       m.Text,
		Attachment: att,
	})
}

func (b *Bot) reply(ctx context.Context, m *tb.Message, req service.ReplyRequest) {
	if _, err := b.relay.Reply(ctx, req); err != nil {
		b.logger.WithOperator(req.OperatorID).Warn("reply failed", zap.Error(err))
		b.say(m.Chat, replyError(err))
	}
}

func (b *Bot) runCommand(ctx context.Context, op *model.Operator, m *tb.Message, cmd *Command) {
	switch cmd.Name {
	case CmdReply:
		b.reply(ctx, m, service.ReplyRequest{
			OperatorID: op.ID,
			VisitorID:  cmd.VisitorID,
			SourceRef:  strconv.Itoa(m.ID),
			Text:       cmd.Text,
		})

	case CmdBlock:
		b.setFlag(ctx, m, cmd.VisitorID, model.ListBlacklisted, cmd.Text, "blocked")
	case CmdUnblock:
		b.setFlag(ctx, m, cmd.VisitorID, model.ListNone, "", "unblocked")
	case CmdWhitelist:
		b.setFlag(ctx, m, cmd.VisitorID, model.ListWhitelisted, "", "whitelisted")

	case CmdClose:
		if _, err := b.relay.CloseThread(ctx, cmd.VisitorID); err != nil {
			b.say(m.Chat, replyError(err))
			return
		}
		b.say(m.Chat, fmt.Sprintf("#%d thread closed.", cmd.VisitorID))

	case CmdHistory:
		b.history(ctx, m, cmd.VisitorID)

	case CmdBroadcast:
		report, err := b.relay.Broadcast(ctx, op.ID, strconv.Itoa(m.ID), cmd.Text)
		if err != nil {
			b.say(m.Chat, replyError(err))
			return
		}
		b.say(m.Chat, formatReport(report))

	case CmdOnline, CmdOffline:
		online := cmd.Name == CmdOnline
		if err := b.relay.SetOperatorReachable(ctx, op.ID, online); err != nil {
			b.say(m.Chat, replyError(err))
			return
		}
		if online {
			b.say(m.Chat, "You are online.")
		} else {
			b.say(m.Chat, "You are offline. Forwards are paused.")
		}

	default:
		b.say(m.Chat, helpText)
	}
}

func (b *Bot) setFlag(ctx context.Context, m *tb.Message, visitorID uint64, flag model.ListFlag, reason, done string) {
	if _, err := b.relay.SetListFlag(ctx, visitorID, flag, reason); err != nil {
		b.say(m.Chat, replyError(err))
		return
	}
	b.say(m.Chat, fmt.Sprintf("#%d %s.", visitorID, done))
}

func (b *Bot) history(ctx context.Context, m *tb.Message, visitorID uint64) {
	v, err := b.relay.Lookup(ctx, visitorID)
	if err != nil {
		b.say(m.Chat, replyError(err))
		return
	}
	var after uint64
	if v.MessageCount > historyPage {
		after = uint64(v.MessageCount - historyPage)
	}
	resp, err := b.relay.History(ctx, visitorID, after, historyPage)
	if err != nil {
		b.say(m.Chat, replyError(err))
		return
	}
	b.say(m.Chat, formatHistory(v, resp.Messages))
}

func (b *Bot) say(chat *tb.Chat, text string) {
	if _, err := b.api.Send(chat, text); err != nil {
		b.logger.Warn("failed to send chat message", zap.Int64("chat_id", chat.ID), zap.Error(err))
	}
}

func formatReport(r *service.BroadcastReport) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Broadcast delivered to %d of %d visitors.", r.Delivered, r.Targets)
	for _, f := range r.Failures {
		fmt.Fprintf(&sb, "\n#%d %s: %s", f.VisitorID, f.Label, f.Error)
	}
	return sb.String()
}

func formatHistory(v *model.Visitor, msgs []model.Message) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "#%d %s (%s, %s)", v.ID, v.Label, v.State, v.Thread)
	if len(msgs) == 0 {
		sb.WriteString("\nNo messages.")
	}
	for _, msg := range msgs {
		who := string(msg.Origin)
		if msg.Origin == model.OriginOperator {
			who = fmt.Sprintf("operator %d", msg.OperatorID)
		}
		text := msg.Text
		if msg.Attachment != nil {
			text = strings.TrimSpace(fmt.Sprintf("[%s] %s", msg.Attachment.Kind, msg.Attachment.Caption))
		}
		fmt.Fprintf(&sb, "\n%s %s: %s", msg.CreatedAt.UTC().Format("01-02 15:04"), who, text)
		switch {
		case msg.Status == model.StatusSendFailed:
			sb.WriteString(" (not delivered)")
		case msg.Verdict == model.VerdictBlocked:
			sb.WriteString(" (blocked)")
		case msg.Verdict == model.VerdictSuppressed:
			sb.WriteString(" (quiet hours)")
		}
	}
	return sb.String()
}
