package transport

import "testing"

func TestParseChatTarget(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		want ChatTarget
	}{
		{name: "username", raw: "@shop_channel", want: ChatTarget{Username: "@shop_channel"}},
		{name: "bare username", raw: "shop_channel", want: ChatTarget{Username: "@shop_channel"}},
		{name: "link", raw: "https://t.me/shop_channel", want: ChatTarget{Username: "@shop_channel"}},
		{name: "numeric", raw: "-1001234567890", want: ChatTarget{ChatID: -1001234567890}},
		{name: "padded", raw: "  @shop  ", want: ChatTarget{Username: "@shop"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseChatTarget(tt.raw)
			if err != nil {
				t.Fatalf("ParseChatTarget(%q) error: %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("ParseChatTarget(%q) = %+v, want %+v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestParseChatTargetInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "   ", "@", "@two words", "https://t.me/"} {
		if _, err := ParseChatTarget(raw); err == nil {
			t.Fatalf("ParseChatTarget(%q) expected error", raw)
		}
	}
}

func TestChatTargetString(t *testing.T) {
	t.Parallel()
	if s := (ChatTarget{Username: "@a"}).String(); s != "@a" {
		t.Fatalf("String = %q", s)
	}
	if s := (ChatTarget{ChatID: 42}).String(); s != "42" {
		t.Fatalf("String = %q", s)
	}
	if !(ChatTarget{}).IsZero() {
		t.Fatal("zero target should report IsZero")
	}
}
