// Package telegram delivers channel posts and notifications through the
// Telegram Bot API (gopkg.in/telebot.v4). It is send-only: no updates are polled.
package telegram

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	tele "gopkg.in/telebot.v4"

	kit "autoposter/internal/transport"
	logx "autoposter/pkg/logx"
)

type Config struct {
	Token  string
	APIURL string // empty means the public Bot API
	// Offline skips the getMe handshake (tests, dry runs).
	Offline bool
	Timeout time.Duration
}

// Client is a thin, concurrency-safe wrapper over *tele.Bot.
type Client struct {
	bot *tele.Bot
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: cfg.Offline,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, errors.Wrap(err, "telegram: init bot")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{bot: b, log: log}, nil
}

// recipient satisfies tele.Recipient for both numeric ids and @usernames.
type recipient string

func (r recipient) Recipient() string { return string(r) }

func toRecipient(to kit.ChatTarget) tele.Recipient {
	if to.Username != "" {
		return recipient(to.Username)
	}
	return &tele.Chat{ID: to.ChatID}
}

func sendOptions(to kit.ChatTarget, opt *kit.SendOptions) *tele.SendOptions {
	so := &tele.SendOptions{ThreadID: to.ThreadID}
	if opt == nil {
		return so
	}
	so.ParseMode = opt.ParseMode
	so.DisableWebPagePreview = opt.DisablePreview
	if rm, ok := opt.ReplyMarkupAdapter.(*tele.ReplyMarkup); ok && rm != nil {
		so.ReplyMarkup = rm
	}
	return so
}

const telegramTextLimit = 4000

// splitTelegramText splits long messages into chunks that are safe to send to Telegram.
// It prefers newline boundaries and avoids splitting inside HTML tags when ParseMode is HTML.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if strings.EqualFold(parseMode, tele.ModeHTML) && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

// SendText sends text, split into several messages when needed.
// Reply markup is attached to the first message only.
func (c *Client) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	parseMode := ""
	if opt != nil {
		parseMode = opt.ParseMode
	}
	chunks := splitTelegramText(text, telegramTextLimit, parseMode)

	var first kit.MessageRef
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		so := sendOptions(to, opt)
		if i > 0 {
			so.ReplyMarkup = nil
		}
		msg, err := c.send(ctx, toRecipient(to), chunk, so)
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = messageRef(to, msg)
		}
	}
	return first, nil
}

// SendPhoto sends one photo with an optional caption.
func (c *Client) SendPhoto(ctx context.Context, to kit.ChatTarget, photo kit.Photo, opt *kit.SendOptions) (kit.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	var file tele.File
	switch {
	case strings.TrimSpace(photo.Path) != "":
		file = tele.FromDisk(photo.Path)
	case strings.TrimSpace(photo.URL) != "":
		file = tele.FromURL(photo.URL)
	default:
		return kit.MessageRef{}, errors.New("telegram: photo has neither path nor url")
	}
	msg, err := c.send(ctx, toRecipient(to), &tele.Photo{File: file, Caption: photo.Caption}, sendOptions(to, opt))
	if err != nil {
		return kit.MessageRef{}, err
	}
	return messageRef(to, msg), nil
}

type sendResult struct {
	msg *tele.Message
	err error
}

// send runs bot.Send but returns as soon as ctx is done. telebot has no
// per-call context, so the request itself keeps running until the HTTP
// client timeout ends it.
func (c *Client) send(ctx context.Context, to tele.Recipient, what interface{}, so *tele.SendOptions) (*tele.Message, error) {
	done := make(chan sendResult, 1)
	go func() {
		msg, err := c.bot.Send(to, what, so)
		done <- sendResult{msg: msg, err: err}
	}()
	select {
	case r := <-done:
		return r.msg, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil {
				c.log.Warn("telegram: message delivered after the caller gave up",
					logx.String("chat", to.Recipient()), logx.Int("message_id", messageID(r.msg)))
			}
		}()
		return nil, errors.Wrap(ctx.Err(), "telegram: send abandoned")
	}
}

func messageID(m *tele.Message) int {
	if m == nil {
		return 0
	}
	return m.ID
}

func messageRef(to kit.ChatTarget, msg *tele.Message) kit.MessageRef {
	ref := kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID}
	if msg == nil {
		return ref
	}
	ref.MessageID = msg.ID
	if msg.Chat != nil {
		ref.ChatID = msg.Chat.ID
	}
	return ref
}
