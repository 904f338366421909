package telegram

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	tele "gopkg.in/telebot.v4"

	"autoposter/internal/broadcast"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		err   error
		kind  broadcast.Kind
		after time.Duration
	}{
		{
			name: "kicked",
			err:  &tele.Error{Code: 403, Description: "Forbidden: bot was kicked from the channel chat"},
			kind: broadcast.PermissionRevoked,
		},
		{
			name: "no admin rights",
			err:  &tele.Error{Code: 400, Description: "Bad Request: need administrator rights in the channel chat"},
			kind: broadcast.PermissionRevoked,
		},
		{
			name: "chat not found",
			err:  &tele.Error{Code: 400, Description: "Bad Request: chat not found"},
			kind: broadcast.TargetNotFound,
		},
		{
			name: "flood",
			err:  errors.New("telegram: retry after 12 (429)"),
			kind: broadcast.RateLimited, after: 12 * time.Second,
		},
		{
			name: "flood by code",
			err:  &tele.Error{Code: 429, Description: "Too Many Requests: retry after 5"},
			kind: broadcast.RateLimited, after: 5 * time.Second,
		},
		{
			name: "wrapped forbidden string",
			err:  errors.Wrap(errors.New("telegram: Forbidden: bot is not a member of the channel chat (403)"), "send"),
			kind: broadcast.PermissionRevoked,
		},
		{
			name: "server error",
			err:  &tele.Error{Code: 502, Description: "Bad Gateway"},
			kind: broadcast.Transient,
		},
		{
			name: "timeout",
			err:  context.DeadlineExceeded,
			kind: broadcast.Transient,
		},
		{
			name: "already typed",
			err:  broadcast.NewError(broadcast.TargetNotFound, errors.New("gone")),
			kind: broadcast.TargetNotFound,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := classify(tt.err)
			if got.Kind != tt.kind || got.RetryAfter != tt.after {
				t.Fatalf("classify(%v) = %v/%v, want %v/%v", tt.err, got.Kind, got.RetryAfter, tt.kind, tt.after)
			}
		})
	}
	if classify(nil) != nil {
		t.Fatal("classify(nil) should be nil")
	}
}
