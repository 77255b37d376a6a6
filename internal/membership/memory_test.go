package membership

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestInMemoryDirectoryGuildsForUser(t *testing.T) {
	dir := NewInMemoryDirectory()
	user := uuid.New()
	guildA := uuid.New()
	guildB := uuid.New()

	dir.AddMember(user, guildA)
	dir.AddMember(user, guildB)

	guilds, err := dir.GuildsForUser(context.Background(), user)
	if err != nil {
		t.Fatalf("GuildsForUser returned error: %v", err)
	}
	if len(guilds) != 2 {
		t.Fatalf("expected 2 guilds, got %d", len(guilds))
	}
}

func TestInMemoryDirectoryGuildsForUserUnknownIsEmpty(t *testing.T) {
	dir := NewInMemoryDirectory()
	guilds, err := dir.GuildsForUser(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("GuildsForUser returned error: %v", err)
	}
	if len(guilds) != 0 {
		t.Fatalf("expected no guilds, got %d", len(guilds))
	}
}

func TestInMemoryDirectoryUserInGuild(t *testing.T) {
	dir := NewInMemoryDirectory()
	user := uuid.New()
	guild := uuid.New()

	ok, err := dir.UserInGuild(context.Background(), user, guild)
	if err != nil {
		t.Fatalf("UserInGuild returned error: %v", err)
	}
	if ok {
		t.Fatal("expected UserInGuild to be false before membership added")
	}

	dir.AddMember(user, guild)

	ok, err = dir.UserInGuild(context.Background(), user, guild)
	if err != nil {
		t.Fatalf("UserInGuild returned error: %v", err)
	}
	if !ok {
		t.Fatal("expected UserInGuild to be true after membership added")
	}
}

func TestInMemoryDirectoryRemoveMember(t *testing.T) {
	dir := NewInMemoryDirectory()
	user := uuid.New()
	guild := uuid.New()

	dir.AddMember(user, guild)
	dir.RemoveMember(user, guild)

	ok, err := dir.UserInGuild(context.Background(), user, guild)
	if err != nil {
		t.Fatalf("UserInGuild returned error: %v", err)
	}
	if ok {
		t.Fatal("expected UserInGuild to be false after RemoveMember")
	}
}

func TestInMemoryDirectoryRemoveMemberUnknownIsNoop(t *testing.T) {
	dir := NewInMemoryDirectory()
	dir.RemoveMember(uuid.New(), uuid.New())
}

var _ Directory = (*InMemoryDirectory)(nil)
var _ Directory = (*PGDirectory)(nil)
