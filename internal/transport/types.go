package transport

import (
	"context"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// ChatTarget addresses a chat either by numeric id or by public @username.
// Channels are usually configured by username; DMs and log groups by id.
type ChatTarget struct {
	ChatID   int64
	Username string
	ThreadID int // telegram forum topic thread id (0 if none)
}

func (t ChatTarget) IsZero() bool { return t.ChatID == 0 && t.Username == "" }

func (t ChatTarget) String() string {
	if t.Username != "" {
		return t.Username
	}
	return strconv.FormatInt(t.ChatID, 10)
}

// ParseChatTarget accepts "@channel", "channel", "https://t.me/channel" or a numeric chat id.
func ParseChatTarget(raw string) (ChatTarget, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "https://t.me/")
	s = strings.TrimPrefix(s, "http://t.me/")
	s = strings.TrimPrefix(s, "t.me/")
	if s == "" {
		return ChatTarget{}, errors.New("empty chat target")
	}
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ChatTarget{ChatID: id}, nil
	}
	if !strings.HasPrefix(s, "@") {
		s = "@" + s
	}
	if len(s) < 2 || strings.ContainsAny(s[1:], " /@") {
		return ChatTarget{}, errors.Newf("invalid chat target %q", raw)
	}
	return ChatTarget{Username: s}, nil
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode          string
	DisablePreview     bool
	ReplyMarkupAdapter any // adapter-specific markup (Telegram: *telebot.ReplyMarkup)
}

// Photo is a single image post. Exactly one of Path or URL is expected.
type Photo struct {
	Path    string
	URL     string
	Caption string
}

type Notification struct {
	Channel  string // sink name: "telegram", "amqp", "log"
	Priority int    // 0 low.. 10 high
	Target   ChatTarget
	Text     string
	Options  *SendOptions
}

// Sender delivers plain text messages.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// PhotoSender delivers a captioned photo.
type PhotoSender interface {
	SendPhoto(ctx context.Context, to ChatTarget, photo Photo, opt *SendOptions) (MessageRef, error)
}
