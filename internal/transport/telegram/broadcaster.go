package telegram

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	tele "gopkg.in/telebot.v4"

	"autoposter/internal/broadcast"
	"autoposter/internal/storage"
	kit "autoposter/internal/transport"
	logx "autoposter/pkg/logx"
)

// Broadcaster posts a product card (photo, caption, buttons) to a channel.
type Broadcaster struct {
	catalog storage.Catalog
	sender  kit.PhotoSender
	log     logx.Logger
}

func NewBroadcaster(catalog storage.Catalog, sender kit.PhotoSender, log logx.Logger) *Broadcaster {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Broadcaster{catalog: catalog, sender: sender, log: log}
}

var errProductUnavailable = errors.New("product unavailable")

func (b *Broadcaster) Post(ctx context.Context, scheduleID, productID, channel string) (broadcast.Receipt, error) {
	to, err := kit.ParseChatTarget(channel)
	if err != nil {
		return broadcast.Receipt{}, broadcast.NewError(broadcast.TargetNotFound, err)
	}

	p, err := b.catalog.Product(ctx, productID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return broadcast.Receipt{}, broadcast.NewError(broadcast.TargetNotFound, errors.Wrapf(errProductUnavailable, "product %s", productID))
	case err != nil:
		return broadcast.Receipt{}, broadcast.NewError(broadcast.Transient, err)
	case !p.IsActive:
		return broadcast.Receipt{}, broadcast.NewError(broadcast.TargetNotFound, errors.Wrapf(errProductUnavailable, "product %s is inactive", productID))
	}

	photo := kit.Photo{Path: strings.TrimSpace(p.ImagePath), URL: strings.TrimSpace(p.ImageURL), Caption: Caption(p)}
	if photo.Path == "" && photo.URL == "" {
		return broadcast.Receipt{}, broadcast.NewError(broadcast.TargetNotFound, errors.Newf("product %s has no image", productID))
	}
	opt := &kit.SendOptions{ParseMode: tele.ModeHTML}
	if kb := Keyboard(p); kb != nil {
		opt.ReplyMarkupAdapter = kb
	}

	ref, err := b.sender.SendPhoto(ctx, to, photo, opt)
	if err != nil {
		be := classify(err)
		b.log.Debug("channel post failed",
			logx.String("schedule_id", scheduleID),
			logx.String("channel", to.String()),
			logx.String("kind", be.Kind.String()),
			logx.Err(err),
		)
		return broadcast.Receipt{}, be
	}
	return broadcast.Receipt{MessageID: ref.MessageID}, nil
}
