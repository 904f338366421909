package tgui

import (
	tele "gopkg.in/telebot.v4"
)

// Inline is a small builder for inline keyboards (ReplyMarkup).
// Empty rows are skipped so optional buttons can be appended unconditionally.
type Inline struct {
	rm   *tele.ReplyMarkup
	rows []tele.Row
}

func NewInline() *Inline {
	return &Inline{rm: &tele.ReplyMarkup{}}
}

// Row appends a row. Zero-value buttons are dropped.
func (i *Inline) Row(btn ...tele.Btn) *Inline {
	kept := make([]tele.Btn, 0, len(btn))
	for _, b := range btn {
		if b.Text == "" {
			continue
		}
		kept = append(kept, b)
	}
	if len(kept) == 0 {
		return i
	}
	i.rows = append(i.rows, i.rm.Row(kept...))
	i.rm.Inline(i.rows...)
	return i
}

// Len reports the number of rows.
func (i *Inline) Len() int { return len(i.rows) }

// Markup returns the underlying reply markup, or nil when no row was added.
func (i *Inline) Markup() *tele.ReplyMarkup {
	if len(i.rows) == 0 {
		return nil
	}
	return i.rm
}

// Btn creates a callback button. data longer than MaxCallbackDataLen is
// rejected by Telegram, so it is truncated to the limit here.
func Btn(text, data string) tele.Btn {
	if len(data) > MaxCallbackDataLen {
		data = data[:MaxCallbackDataLen]
	}
	return tele.Btn{Text: text, Data: data}
}

// URLBtn creates a URL button.
func URLBtn(text, url string) tele.Btn {
	return tele.Btn{Text: text, URL: url}
}
