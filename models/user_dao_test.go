package models

import (
	"errors"
	"fmt"
	"testing"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func TestSerializePublic_Badges(t *testing.T) {
	u := &User{
		ID:          5,
		UID:         "00000000-0000-4000-8000-000000000005",
		ProfileName: "Alice",
		Traits:      datatypes.JSON(`["speaker","vip","unmapped"]`),
	}
	badges := map[string]string{"speaker": "Speaker", "vip": "VIP"}

	p := u.SerializePublic(false, badges)
	if p.ID != 5 || p.ProfileName != "Alice" {
		t.Fatalf("unexpected profile %#v", p)
	}
	if len(p.Badges) != 2 {
		t.Fatalf("expected 2 badges, got %v", p.Badges)
	}
	if p.Moderation != "" {
		t.Fatalf("moderation info must be withheld without admin flag")
	}
}

func TestSerializePublic_AdminInfo(t *testing.T) {
	u := &User{ID: 5, Deleted: true}

	p := u.SerializePublic(true, nil)
	if !p.Deleted || p.Moderation != "deleted" {
		t.Fatalf("expected admin view of deleted user, got %#v", p)
	}
}

func TestWorld_TraitBadgesMap(t *testing.T) {
	w := &World{Config: datatypes.JSON(`{"trait_badges_map":{"speaker":"Speaker"}}`)}
	m := w.TraitBadgesMap()
	if m["speaker"] != "Speaker" {
		t.Fatalf("unexpected map %v", m)
	}

	empty := &World{}
	if empty.TraitBadgesMap() != nil {
		t.Fatalf("expected nil map for empty config")
	}
}

func TestWorld_HasFeatureFlag(t *testing.T) {
	w := &World{FeatureFlags: datatypes.JSON(`["janus","polls"]`)}
	if !w.HasFeatureFlag("janus") {
		t.Fatalf("expected janus flag")
	}
	if w.HasFeatureFlag("bbb") {
		t.Fatalf("unexpected bbb flag")
	}
	if (&World{}).HasFeatureFlag("janus") {
		t.Fatalf("empty world must have no flags")
	}
}

func TestIsDuplicateKeyErr(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{gorm.ErrDuplicatedKey, true},
		{fmt.Errorf("Error 1062 (23000): Duplicate entry '7-42' for key 'chat_event.PRIMARY'"), true},
		{errors.New(`pq: duplicate key value violates unique constraint "chat_event_pkey"`), true},
		{errors.New("UNIQUE constraint failed: chat_event.world_id, chat_event.id"), true},
		{errors.New("connection refused"), false},
	}
	for _, c := range cases {
		if got := IsDuplicateKeyErr(c.err); got != c.want {
			t.Fatalf("IsDuplicateKeyErr(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}
