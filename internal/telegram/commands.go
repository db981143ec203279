package telegram

import (
	"errors"
	"strconv"
	"strings"
)

// CommandName is an operator command.
type CommandName string

const (
	CmdReply     CommandName = "r"
	CmdBlock     CommandName = "block"
	CmdUnblock   CommandName = "unblock"
	CmdWhitelist CommandName = "whitelist"
	CmdClose     CommandName = "close"
	CmdHistory   CommandName = "history"
	CmdBroadcast CommandName = "broadcast"
	CmdOnline    CommandName = "online"
	CmdOffline   CommandName = "offline"
	CmdHelp      CommandName = "help"
	CmdStart     CommandName = "start"
)

var (
	errNotCommand     = errors.New("not a command")
	errUnknownCommand = errors.New("unknown command")
	errMissingVisitor = errors.New("missing visitor id")
	errBadVisitor     = errors.New("visitor id must be a positive number")
	errMissingText    = errors.New("missing message text")
)

// Command is a parsed operator command.
type Command struct {
	Name      CommandName
	VisitorID uint64
	Text      string
}

// needsVisitor lists commands whose first argument is a visitor id.
var needsVisitor = map[CommandName]bool{
	CmdReply:     true,
	CmdBlock:     true,
	CmdUnblock:   true,
	CmdWhitelist: true,
	CmdClose:     true,
	CmdHistory:   true,
}

// needsText lists commands that require trailing text.
var needsText = map[CommandName]bool{
	CmdReply:     true,
	CmdBroadcast: true,
}

// commandName returns the lower-cased name of a slash command, without any
// bot mention.
func commandName(input string) (CommandName, bool) {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "/") || len(input) < 2 {
		return "", false
	}
	head, _ := splitFirst(input[1:])
	if at := strings.IndexByte(head, '@'); at >= 0 {
		head = head[:at]
	}
	return CommandName(strings.ToLower(head)), true
}

// ParseCommand parses "/name [visitor] [text]". Bot mentions such as
// "/close@relay_bot" are accepted. Text keeps its inner line breaks.
func ParseCommand(input string) (*Command, error) {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "/") || len(input) < 2 {
		return nil, errNotCommand
	}

	name, _ := commandName(input)
	_, rest := splitFirst(input[1:])
	cmd := &Command{Name: name}

	switch cmd.Name {
	case CmdReply, CmdBlock, CmdUnblock, CmdWhitelist, CmdClose, CmdHistory,
		CmdBroadcast, CmdOnline, CmdOffline, CmdHelp, CmdStart:
	default:
		return nil, errUnknownCommand
	}

	if needsVisitor[cmd.Name] {
		var idText string
		idText, rest = splitFirst(rest)
		if idText == "" {
			return nil, errMissingVisitor
		}
		id, err := strconv.ParseUint(strings.TrimPrefix(idText, "#"), 10, 64)
		if err != nil || id == 0 {
			return nil, errBadVisitor
		}
		cmd.VisitorID = id
	}

	cmd.Text = strings.TrimSpace(rest)
	if needsText[cmd.Name] && cmd.Text == "" {
		return nil, errMissingText
	}
	return cmd, nil
}

func splitFirst(s string) (string, string) {
	s = strings.TrimLeft(s, " \t\n")
	i := strings.IndexAny(s, " \t\n")
	if i < 0 {
		return s, ""
	}
	return s[:i], s[i+1:]
}

const helpText = `Reply to a forwarded message to answer the visitor.

/r <visitor> <text> - reply by visitor id
/block <visitor> [reason] - blacklist a visitor
/unblock <visitor> - clear a visitor's list flag
/whitelist <visitor> - skip verification and moderation
/close <visitor> - close the thread
/history <visitor> - show recent messages
/broadcast <text> - message every verified visitor
/online, /offline - toggle receiving forwards`

const welcomeText = `Hello! Send your message here and an operator will get back to you.`
