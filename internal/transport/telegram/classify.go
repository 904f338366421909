package telegram

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	tele "gopkg.in/telebot.v4"

	"autoposter/internal/broadcast"
)

var retryAfterRe = regexp.MustCompile(`retry after (\d+)`)

// classify maps a Bot API failure to a broadcast.Error.
//
//	403, kicked, not a member, no rights  -> PermissionRevoked
//	400 chat not found                    -> TargetNotFound
//	429                                   -> RateLimited (+ retry_after)
//	anything else                         -> Transient
func classify(err error) *broadcast.Error {
	if err == nil {
		return nil
	}
	var be *broadcast.Error
	if errors.As(err, &be) {
		return be
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return broadcast.NewError(broadcast.Transient, err)
	}

	code := 0
	desc := err.Error()
	var te *tele.Error
	if errors.As(err, &te) && te != nil {
		code = te.Code
		desc = te.Description + " " + te.Message
	}
	low := strings.ToLower(desc + " " + err.Error())

	switch {
	case code == 429 || strings.Contains(low, "(429)") || strings.Contains(low, "too many requests"):
		out := broadcast.NewError(broadcast.RateLimited, err)
		if m := retryAfterRe.FindStringSubmatch(low); len(m) == 2 {
			if n, perr := strconv.Atoi(m[1]); perr == nil {
				out.RetryAfter = time.Duration(n) * time.Second
			}
		}
		return out
	case strings.Contains(low, "chat not found"):
		return broadcast.NewError(broadcast.TargetNotFound, err)
	case code == 403 || strings.Contains(low, "(403)") || strings.Contains(low, "forbidden"),
		strings.Contains(low, "not enough rights"),
		strings.Contains(low, "need administrator rights"),
		strings.Contains(low, "chat_write_forbidden"):
		return broadcast.NewError(broadcast.PermissionRevoked, err)
	default:
		return broadcast.NewError(broadcast.Transient, err)
	}
}
