package notifier

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"autoposter/internal/dispatch"
	kit "autoposter/internal/transport"
	"autoposter/pkg/tgui"
)

// TelegramSink sends a rendered event to a Telegram chat.
type TelegramSink struct {
	name   string
	sender kit.Sender
	kinds  KindSet
	target func(e dispatch.Event) (kit.ChatTarget, bool)
	loc    *time.Location
}

// NewSellerSink sends events to the seller's private chat.
// Sellers whose id is not a numeric Telegram user id are skipped.
func NewSellerSink(sender kit.Sender, kinds KindSet, loc *time.Location) *TelegramSink {
	return &TelegramSink{
		name:   "telegram.seller",
		sender: sender,
		kinds:  kinds,
		loc:    loc,
		target: func(e dispatch.Event) (kit.ChatTarget, bool) {
			id, err := strconv.ParseInt(strings.TrimSpace(e.SellerID), 10, 64)
			if err != nil || id <= 0 {
				return kit.ChatTarget{}, false
			}
			return kit.ChatTarget{ChatID: id}, true
		},
	}
}

// NewOpsSink sends events to a fixed operator chat.
func NewOpsSink(sender kit.Sender, to kit.ChatTarget, kinds KindSet, loc *time.Location) *TelegramSink {
	return &TelegramSink{
		name:   "telegram.ops",
		sender: sender,
		kinds:  kinds,
		loc:    loc,
		target: func(dispatch.Event) (kit.ChatTarget, bool) { return to, !to.IsZero() },
	}
}

func (t *TelegramSink) Name() string { return t.name }

func (t *TelegramSink) Accepts(e dispatch.Event) bool {
	if t.sender == nil || !t.kinds.Has(e.Kind) {
		return false
	}
	_, ok := t.target(e)
	return ok
}

func (t *TelegramSink) Deliver(ctx context.Context, e dispatch.Event) error {
	to, ok := t.target(e)
	if !ok {
		return errors.Mark(errors.Newf("%s: no target for schedule %s", t.name, e.ScheduleID), ErrUndeliverable)
	}
	msg := Render(e, t.loc)
	if msg.Text == "" {
		return nil
	}
	_, err := msg.Send(ctx, t.sender, to)
	return err
}

// Render formats e as a short HTML message.
func Render(e dispatch.Event, loc *time.Location) tgui.Message {
	if loc == nil {
		loc = time.UTC
	}
	b := tgui.New()
	switch e.Kind {
	case dispatch.EventPosted:
		b.Title("✅", "Scheduled post published")
		b.KV("Channel", e.Channel)
		b.KV("Product", e.ProductID)
		if !e.NextPostAt.IsZero() {
			b.KV("Next", e.NextPostAt.In(loc).Format("Jan 02 at 03:04 PM"))
		}
	case dispatch.EventPostFailed:
		b.Title("⚠️", "Scheduled post failed")
		b.KV("Channel", e.Channel)
		b.KV("Product", e.ProductID)
		b.KV("Attempt", strconv.Itoa(e.Attempt))
		b.KV("Reason", tgui.TruncRunes(e.Reason, 300))
		b.Blank()
		b.Line("We will try again at the next check.")
	case dispatch.EventDeactivated:
		b.Title("⛔", "Schedule paused")
		b.KV("Channel", e.Channel)
		b.KV("Product", e.ProductID)
		b.KV("Failures", strconv.Itoa(e.Attempt))
		b.KV("Reason", tgui.TruncRunes(e.Reason, 300))
		b.Blank()
		b.Line("Make sure the bot is an admin of the channel, then resume the schedule.")
	default:
		return tgui.Message{}
	}
	b.Code(e.ScheduleID)
	return b.Build()
}
