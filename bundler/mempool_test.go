package bundler

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/t402-io/gasless-ops/types"
)

func TestMempoolStateMachineForbidsBackEdges(t *testing.T) {
	cases := []struct {
		from types.MempoolState
		to   types.MempoolState
		want bool
	}{
		{types.StatePending, types.StateSent, true},
		{types.StatePending, types.StateMined, false},
		{types.StatePending, types.StateFailed, false},
		{types.StateSent, types.StateMined, true},
		{types.StateSent, types.StateFailed, true},
		{types.StateSent, types.StatePending, false},
		{types.StateMined, types.StateSent, false},
		{types.StateFailed, types.StateSent, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransitionTo(c.to); got != c.want {
			t.Errorf("%s -> %s = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestMempoolAdmitIsIdempotent(t *testing.T) {
	m := newMempool()
	hash := common.HexToHash("0x01")
	intent := types.Intent{Sender: common.HexToAddress("0xA"), Nonce: big.NewInt(0)}

	first := m.admit(hash, intent, types.PackedIntent{})
	sizeAfterFirst := m.size()
	second := m.admit(hash, intent, types.PackedIntent{})

	if m.size() != sizeAfterFirst {
		t.Fatalf("re-admitting the same hash grew the mempool: %d -> %d", sizeAfterFirst, m.size())
	}
	if first.ReceivedAt != second.ReceivedAt {
		t.Fatal("re-admitting the same hash should return the original entry")
	}
}

func TestMempoolTransitionRejectsIllegalEdge(t *testing.T) {
	m := newMempool()
	hash := common.HexToHash("0x02")
	m.admit(hash, types.Intent{}, types.PackedIntent{})

	if err := m.transition(hash, types.StateMined); err == nil {
		t.Fatal("expected error transitioning PENDING -> MINED directly")
	}
	if err := m.transition(hash, types.StateSent); err != nil {
		t.Fatalf("PENDING -> SENT should succeed: %v", err)
	}
	if err := m.transition(hash, types.StateMined); err != nil {
		t.Fatalf("SENT -> MINED should succeed: %v", err)
	}
}

func TestMempoolOldestPendingOrdersByReceptionTime(t *testing.T) {
	m := newMempool()
	h1 := common.HexToHash("0x10")
	h2 := common.HexToHash("0x20")

	m.admit(h1, types.Intent{}, types.PackedIntent{})
	m.entries[h1].ReceivedAt = m.entries[h1].ReceivedAt.Add(-time.Hour)
	m.admit(h2, types.Intent{}, types.PackedIntent{})

	oldest := m.oldestPending(10)
	if len(oldest) != 2 || oldest[0].IntentHash != h1 {
		t.Fatalf("expected h1 first, got %+v", oldest)
	}
}
