package stream

import (
	"testing"

	"github.com/holiman/uint256"

	"shardledger/core/events"
	"shardledger/core/types"
)

type bare struct{}

func (bare) EventType() string { return "bare" }

func TestHubFiltersAndDrops(t *testing.T) {
	hub := NewHub(1, nil)
	all, cancelAll := hub.Subscribe()
	mints, cancelMints := hub.Subscribe(events.TypeMinted)
	defer cancelMints()

	var to types.Account
	to[0] = 1
	hub.Emit(bare{})
	hub.Emit(events.Burned{Token: 1, From: to, Amount: uint256.NewInt(2)})
	hub.Emit(events.Minted{Token: 1, To: to, Amount: uint256.NewInt(3)})

	got := <-all
	if got.Type != events.TypeBurned {
		t.Fatalf("unexpected first event %s", got.Type)
	}
	select {
	case extra := <-all:
		t.Fatalf("full queue should have dropped %s", extra.Type)
	default:
	}
	got = <-mints
	if got.Type != events.TypeMinted || got.Attributes["amount"] != "3" {
		t.Fatalf("unexpected mint event %+v", got)
	}

	cancelAll()
	cancelAll()
	if _, open := <-all; open {
		t.Fatalf("channel should be closed after cancel")
	}
	if hub.Len() != 1 {
		t.Fatalf("expected one subscriber, got %d", hub.Len())
	}
}
