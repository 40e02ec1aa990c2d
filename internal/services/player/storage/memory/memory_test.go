package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/pennyrealm/pennyrealm/internal/services/player"
	"github.com/pennyrealm/pennyrealm/internal/services/player/storage"
)

func TestGetPlayerNotFound(t *testing.T) {
	t.Parallel()

	store := NewStore()
	if _, err := store.GetPlayer(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewStore()
	record := player.Player{
		ID:        "player-1",
		Name:      "Ada",
		Location:  "millbrook",
		Pennies:   29,
		Inventory: map[string]int{"wool": 3},
	}
	if err := store.PutPlayer(context.Background(), record); err != nil {
		t.Fatalf("put player: %v", err)
	}

	got, err := store.GetPlayer(context.Background(), "player-1")
	if err != nil {
		t.Fatalf("get player: %v", err)
	}
	if got.Name != "Ada" || got.Pennies != 29 || got.Inventory["wool"] != 3 {
		t.Fatalf("unexpected record %+v", got)
	}

	got.Inventory["wool"] = 99
	again, _ := store.GetPlayer(context.Background(), "player-1")
	if again.Inventory["wool"] != 3 {
		t.Fatalf("returned record should not alias stored state: %v", again.Inventory)
	}
}

func TestUpdatePlayersIsAllOrNothing(t *testing.T) {
	t.Parallel()

	store := NewStore()
	store.PutPlayer(context.Background(), player.Player{ID: "player-1", Pennies: 10})

	err := store.UpdatePlayers(context.Background(), []player.Player{
		{ID: "player-1", Pennies: 99},
		{ID: "missing", Pennies: 1},
	})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	got, _ := store.GetPlayer(context.Background(), "player-1")
	if got.Pennies != 10 {
		t.Fatalf("failed batch should leave the record untouched, got %d", got.Pennies)
	}
}

func TestUpdatePlayersAppliesBoth(t *testing.T) {
	t.Parallel()

	store := NewStore()
	store.PutPlayer(context.Background(), player.Player{ID: "player-1", Pennies: 10})
	store.PutPlayer(context.Background(), player.Player{ID: "player-2", Pennies: 20})

	err := store.UpdatePlayers(context.Background(), []player.Player{
		{ID: "player-1", Pennies: 5},
		{ID: "player-2", Pennies: 25},
	})
	if err != nil {
		t.Fatalf("update players: %v", err)
	}

	first, _ := store.GetPlayer(context.Background(), "player-1")
	second, _ := store.GetPlayer(context.Background(), "player-2")
	if first.Pennies != 5 || second.Pennies != 25 {
		t.Fatalf("expected 5 and 25, got %d and %d", first.Pennies, second.Pennies)
	}
}
