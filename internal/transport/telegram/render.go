package telegram

import (
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	"autoposter/internal/storage"
	"autoposter/pkg/tgui"
)

const (
	captionRule = "━━━━━━━━━━━━━━━━━━━━"
	// leaves room for title, price and seller lines under the caption limit
	maxDescriptionRunes = 700
)

// Caption renders the channel caption of a product in Telegram HTML.
// Custom description products show the description only.
func Caption(p storage.Product) string {
	if p.Type == storage.ProductCustomDescription {
		return tgui.Esc(tgui.TruncRunes(p.Description, tgui.MaxCaptionLen-1)).String()
	}

	var b strings.Builder
	b.WriteString("🛍️ " + tgui.B(p.Title).String() + "\n")
	b.WriteString(captionRule + "\n\n")
	if d := strings.TrimSpace(p.Description); d != "" {
		b.WriteString(tgui.Esc(tgui.TruncRunes(d, maxDescriptionRunes)).String() + "\n\n")
	}
	if p.Price > 0 {
		b.WriteString("💰 " + tgui.B(tgui.Money(p.Price)+" Birr").String() + "\n")
	}
	if c := strings.TrimSpace(p.Category); c != "" {
		b.WriteString("📂 " + tgui.Esc(c).String() + "\n")
	}
	if p.SellerName != "" || p.SellerPhone != "" {
		b.WriteString("\n")
		if p.SellerName != "" {
			b.WriteString("👤 " + tgui.B(p.SellerName).String() + "\n")
		}
		if p.SellerPhone != "" {
			b.WriteString("📞 " + tgui.Esc(p.SellerPhone).String() + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// Keyboard renders the engagement buttons of a product post.
// It returns nil when every button is disabled.
func Keyboard(p storage.Product) *tele.ReplyMarkup {
	kb := tgui.NewInline()

	var like, save tele.Btn
	if p.LikeEnabled {
		like = tgui.Btn("❤️ Like - "+strconv.Itoa(p.LikesCount), "like_"+p.ID)
	}
	if p.SaveEnabled {
		save = tgui.Btn("💾 Save - "+strconv.Itoa(p.SavesCount), "save_"+p.ID)
	}
	kb.Row(like, save)

	if p.OrderEnabled {
		kb.Row(tgui.Btn("🛒 Order", "order_"+p.ID))
	}
	if t, u := strings.TrimSpace(p.CustomButtonText), strings.TrimSpace(p.CustomButtonURL); t != "" && u != "" {
		kb.Row(tgui.URLBtn("⚙️ "+t, u))
	}
	return kb.Markup()
}
