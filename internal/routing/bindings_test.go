package routing

import (
	"testing"
)

func TestRouteFallsBackToDefault(t *testing.T) {
	r := NewRouter("opencode")
	d := r.Route(Context{ChannelID: "lark-main", ChatID: "oc_1"})
	if d.AgentID != "opencode" {
		t.Fatalf("want default agent, got %q", d.AgentID)
	}
	if len(d.MatchedBy) != 0 {
		t.Fatalf("default decision must not report matched fields: %v", d.MatchedBy)
	}
	if d.Binding == nil || d.Binding.ID != "default" {
		t.Fatalf("want synthetic default binding, got %+v", d.Binding)
	}
}

func TestPriorityOrderAndTies(t *testing.T) {
	r := NewRouter("fallback")
	must := func(b Binding) {
		t.Helper()
		if err := r.Add(b); err != nil {
			t.Fatal(err)
		}
	}
	must(Binding{ID: "low", AgentID: "a-low", Priority: 1, Enabled: true})
	must(Binding{ID: "tie-first", AgentID: "a-tie1", Priority: 5, Enabled: true})
	must(Binding{ID: "tie-second", AgentID: "a-tie2", Priority: 5, Enabled: true})
	must(Binding{ID: "disabled-high", AgentID: "a-off", Priority: 99, Enabled: false})

	d := r.Route(Context{ChatID: "any"})
	if d.AgentID != "a-tie1" {
		t.Fatalf("want highest-priority earliest-inserted binding, got %q (binding %s)", d.AgentID, d.Binding.ID)
	}
}

func TestMatchFieldsAndWildcards(t *testing.T) {
	tests := []struct {
		name    string
		match   Match
		ctx     Context
		want    bool
		wantBy  []string
	}{
		{
			name:   "AND across present fields",
			match:  Match{ChannelID: StringOrList{"ch1"}, ChatType: "group"},
			ctx:    Context{ChannelID: "ch1", ChatType: "group"},
			want:   true,
			wantBy: []string{"channelId", "chatType"},
		},
		{
			name:  "AND fails when one field misses",
			match: Match{ChannelID: StringOrList{"ch1"}, ChatType: "group"},
			ctx:   Context{ChannelID: "ch1", ChatType: "p2p"},
			want:  false,
		},
		{
			name:   "explicit star chatType is wildcard",
			match:  Match{ChatType: "*", UserID: StringOrList{"u1"}},
			ctx:    Context{ChatType: "p2p", UserID: "u1"},
			want:   true,
			wantBy: []string{"userId"},
		},
		{
			name:   "string-or-list accepts any entry",
			match:  Match{ChatID: StringOrList{"oc_a", "oc_b"}},
			ctx:    Context{ChatID: "oc_b"},
			want:   true,
			wantBy: []string{"chatId"},
		},
		{
			name:   "custom predicate",
			match:  Match{Custom: func(c Context) bool { return c.UserID == "vip" }},
			ctx:    Context{UserID: "vip"},
			want:   true,
			wantBy: []string{"custom"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, by := matches(&tt.match, tt.ctx)
			if got != tt.want {
				t.Fatalf("matches() = %v, want %v", got, tt.want)
			}
			if got {
				if len(by) != len(tt.wantBy) {
					t.Fatalf("matchedBy = %v, want %v", by, tt.wantBy)
				}
				for i := range by {
					if by[i] != tt.wantBy[i] {
						t.Fatalf("matchedBy = %v, want %v", by, tt.wantBy)
					}
				}
			}
		})
	}
}

func TestMessagePattern(t *testing.T) {
	r := NewRouter("default")
	if err := r.Add(Binding{
		ID: "deploy", AgentID: "ops-agent", Priority: 10, Enabled: true,
		Match: Match{MessagePattern: `(?i)^deploy\s+`},
	}); err != nil {
		t.Fatal(err)
	}

	if d := r.Route(Context{MessageText: "Deploy staging now"}); d.AgentID != "ops-agent" {
		t.Fatalf("pattern should match, got %q", d.AgentID)
	}
	if d := r.Route(Context{MessageText: "please deploy"}); d.AgentID != "default" {
		t.Fatalf("pattern should not match mid-string, got %q", d.AgentID)
	}
}

func TestInvalidPatternRejected(t *testing.T) {
	r := NewRouter("default")
	if err := r.Add(Binding{ID: "bad", Match: Match{MessagePattern: "("}}); err == nil {
		t.Fatal("want error for invalid regexp")
	}
	if err := r.Replace([]Binding{{ID: "bad", Match: Match{MessagePattern: "["}}}); err == nil {
		t.Fatal("Replace must reject invalid regexp wholesale")
	}
}

func TestReplaceSwapsList(t *testing.T) {
	r := NewRouter("default")
	if err := r.Add(Binding{ID: "old", AgentID: "old-agent", Priority: 1, Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if err := r.Replace([]Binding{{ID: "new", AgentID: "new-agent", Priority: 1, Enabled: true}}); err != nil {
		t.Fatal(err)
	}
	if d := r.Route(Context{}); d.AgentID != "new-agent" {
		t.Fatalf("want replaced binding to win, got %q", d.AgentID)
	}
}
