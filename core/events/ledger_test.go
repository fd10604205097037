package events

import (
	"testing"

	"github.com/holiman/uint256"

	"shardledger/core/types"
)

func TestTransferredAttributes(t *testing.T) {
	from := types.MustAccount(make([]byte, 20))
	to := from
	to[0] = 0xff
	evt := Transferred{Token: 7, Operator: from, From: from, To: to, Amount: uint256.NewInt(50)}.Event()
	if evt.Type != TypeTransferred {
		t.Fatalf("unexpected type %s", evt.Type)
	}
	if evt.Attributes["amount"] != "50" || evt.Attributes["token"] != "7" {
		t.Fatalf("unexpected attributes %+v", evt.Attributes)
	}
	if _, ok := evt.Attributes["operator"]; ok {
		t.Fatalf("operator must be omitted when owner transfers directly")
	}
}

func TestFanoutAndRecorder(t *testing.T) {
	var a, b Recorder
	fan := Fanout{&a, nil, &b}
	fan.Emit(Minted{Token: 1, Amount: uint256.NewInt(1)})
	if len(a.Events()) != 1 || len(b.Events()) != 1 {
		t.Fatalf("expected both recorders to receive the event")
	}
}
