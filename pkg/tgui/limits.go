package tgui

import "errors"

const (
	// MaxCallbackDataLen is Telegram's callback_data size limit in bytes.
	MaxCallbackDataLen = 64
	// MaxCaptionLen is the media caption limit in characters.
	MaxCaptionLen = 1024
	// MaxTextLen is the plain message limit in characters.
	MaxTextLen = 4096
)

var ErrCallbackDataTooLong = errors.New("tgui: callback_data too long")
