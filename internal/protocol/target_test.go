package protocol

import (
	"testing"

	"github.com/google/uuid"
)

func TestTargetConstructors(t *testing.T) {
	t.Parallel()

	u := uuid.New()
	g := uuid.New()

	if got := Broadcast(); got.Kind != TargetBroadcast {
		t.Errorf("Broadcast().Kind = %v, want TargetBroadcast", got.Kind)
	}
	if got := User(u); got.Kind != TargetUser || got.UserID != u {
		t.Errorf("User() = %+v, want Kind=TargetUser UserID=%v", got, u)
	}
	if got := Guild(g); got.Kind != TargetGuild || got.GuildID != g {
		t.Errorf("Guild() = %+v, want Kind=TargetGuild GuildID=%v", got, g)
	}
	got := GuildExcludeUser(g, u)
	if got.Kind != TargetGuildExcludeUser || got.GuildID != g || got.UserID != u {
		t.Errorf("GuildExcludeUser() = %+v, want Kind=TargetGuildExcludeUser GuildID=%v UserID=%v", got, g, u)
	}
}
