// Copyright 2025-2026 Mukhammad-develop

package rules

import "testing"

func TestFilterAllow(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  FilterConfig
		text string
		want bool
	}{
		{
			name: "disabled filter allows everything",
			cfg:  FilterConfig{Enabled: false, Mode: ModeWhitelist, Keywords: []string{"gold"}},
			text: "nothing relevant",
			want: true,
		},
		{
			name: "whitelist hit",
			cfg:  FilterConfig{Enabled: true, Mode: ModeWhitelist, Keywords: []string{"GOLD", "BUY"}},
			text: "time to buy the dip",
			want: true,
		},
		{
			name: "whitelist miss",
			cfg:  FilterConfig{Enabled: true, Mode: ModeWhitelist, Keywords: []string{"gold", "buy"}},
			text: "just chatting",
			want: false,
		},
		{
			name: "whitelist is case insensitive substring",
			cfg:  FilterConfig{Enabled: true, Mode: ModeWhitelist, Keywords: []string{"gold"}},
			text: "GOLDEN opportunity",
			want: true,
		},
		{
			name: "blacklist hit",
			cfg:  FilterConfig{Enabled: true, Mode: ModeBlacklist, Keywords: []string{"spam"}},
			text: "this is SPAM",
			want: false,
		},
		{
			name: "blacklist miss",
			cfg:  FilterConfig{Enabled: true, Mode: ModeBlacklist, Keywords: []string{"spam"}},
			text: "legitimate message",
			want: true,
		},
		{
			name: "empty text blocked by whitelist",
			cfg:  FilterConfig{Enabled: true, Mode: ModeWhitelist, Keywords: []string{"gold"}},
			text: "",
			want: false,
		},
		{
			name: "empty text allowed by blacklist",
			cfg:  FilterConfig{Enabled: true, Mode: ModeBlacklist, Keywords: []string{"spam"}},
			text: "",
			want: true,
		},
		{
			name: "no keywords allows everything",
			cfg:  FilterConfig{Enabled: true, Mode: ModeWhitelist},
			text: "anything at all",
			want: true,
		},
		{
			name: "empty mode defaults to whitelist",
			cfg:  FilterConfig{Enabled: true, Keywords: []string{"gold"}},
			text: "no match here",
			want: false,
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := NewFilter(tc.cfg)
			if got := f.Allow(tc.text); got != tc.want {
				t.Errorf("Allow(%q) = %v, want %v", tc.text, got, tc.want)
			}
		})
	}
}

func TestFilterConfigValidate(t *testing.T) {
	t.Parallel()
	for _, mode := range []string{"", ModeWhitelist, ModeBlacklist} {
		if err := (FilterConfig{Mode: mode}).Validate(); err != nil {
			t.Errorf("Validate(%q) = %v, want nil", mode, err)
		}
	}
	if err := (FilterConfig{Mode: "greylist"}).Validate(); err == nil {
		t.Error("Validate should reject unknown mode")
	}
}
