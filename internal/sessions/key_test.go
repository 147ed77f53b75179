package sessions

import "testing"

func TestKeyRoundTrip(t *testing.T) {
	keys := []Key{
		NewChannelKey("lark-main"),
		NewChatKey("lark-main", "oc_abc123"),
		NewUserKey("lark-main", "ou_user9"),
		NewUserChatKey("lark-main", "oc_abc123", "ou_user9"),
	}
	for _, k := range keys {
		t.Run(k.String(), func(t *testing.T) {
			s := k.String()
			if s == "" {
				t.Fatalf("serialize failed for %+v", k)
			}
			parsed, err := ParseKey(s)
			if err != nil {
				t.Fatalf("parse %q: %v", s, err)
			}
			if parsed != k {
				t.Fatalf("round-trip mismatch: %+v != %+v", parsed, k)
			}
		})
	}
}

func TestKeyCanonicalStrings(t *testing.T) {
	tests := []struct {
		key  Key
		want string
	}{
		{NewChannelKey("ch"), "ch:channel"},
		{NewChatKey("ch", "oc_1"), "ch:chat:oc_1"},
		{NewUserKey("ch", "u1"), "ch:user::u1"},
		{NewUserChatKey("ch", "oc_1", "u1"), "ch:user_chat:oc_1:u1"},
	}
	for _, tt := range tests {
		if got := tt.key.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestKeyValidation(t *testing.T) {
	tests := []struct {
		name string
		key  Key
	}{
		{"empty channel", Key{Kind: KindChat, ChatID: "c"}},
		{"chat without chatId", Key{ChannelID: "ch", Kind: KindChat}},
		{"user without userId", Key{ChannelID: "ch", Kind: KindUser}},
		{"user_chat missing userId", Key{ChannelID: "ch", Kind: KindUserChat, ChatID: "c"}},
		{"unknown kind", Key{ChannelID: "ch", Kind: "team", ChatID: "c"}},
		{"colon in segment", Key{ChannelID: "ch", Kind: KindChat, ChatID: "a:b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.key.Validate(); err == nil {
				t.Fatalf("Validate() accepted invalid key %+v", tt.key)
			}
			if tt.key.String() != "" {
				t.Fatalf("String() must be empty for invalid key %+v", tt.key)
			}
		})
	}
}

func TestParseKeyRejectsMalformed(t *testing.T) {
	bad := []string{
		"",
		"justchannel",
		"ch:chat",              // missing chatId
		"ch:chat:a:b",          // extra segment
		"ch:user:chat:u",       // user kind must leave chatId slot empty
		"ch:channel:extra",     // channel kind takes no segments
		"ch:mystery:x",         // unknown kind
		"ch:user_chat:onlyone", // user_chat needs both
	}
	for _, s := range bad {
		if _, err := ParseKey(s); err == nil {
			t.Errorf("ParseKey(%q) accepted malformed key", s)
		}
	}
}
