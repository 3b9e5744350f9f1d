package models

import (
	"testing"
	"time"
)

func TestGuildIpBanActive(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name      string
		expiresAt *time.Time
		want      bool
	}{
		{"permanent", nil, true},
		{"expired", &past, false},
		{"still active", &future, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := GuildIpBan{ExpiresAt: tc.expiresAt}
			if got := b.Active(now); got != tc.want {
				t.Errorf("Active() = %v, want %v", got, tc.want)
			}
		})
	}
}
