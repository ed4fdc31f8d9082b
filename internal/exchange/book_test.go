package exchange

import (
	"log/slog"
	"math"
	"testing"

	"latencyarb/pkg/types"
)

const (
	testYesToken = "yes-token-123"
	testNoToken  = "no-token-456"
)

func newTestMirror() *BookMirror {
	m := NewBookMirror(slog.Default())
	m.Register(testYesToken, testNoToken)
	return m
}

func TestBookMirrorYesBookEvent(t *testing.T) {
	t.Parallel()
	m := newTestMirror()

	m.ApplyBookEvent(types.WSBookEvent{
		AssetID: testYesToken,
		Buys:    []types.PriceLevel{{Price: "0.55", Size: "100"}},
		Sells:   []types.PriceLevel{{Price: "0.57", Size: "150"}},
	})

	select {
	case u := <-m.Updates():
		if u.TokenID != testYesToken {
			t.Errorf("token id = %v, want %v", u.TokenID, testYesToken)
		}
		if u.BestBid != 0.55 || u.BestAsk != 0.57 {
			t.Errorf("bid/ask = %v/%v, want 0.55/0.57", u.BestBid, u.BestAsk)
		}
	default:
		t.Fatal("expected an update on the channel")
	}
}

func TestBookMirrorNormalizesNoBook(t *testing.T) {
	t.Parallel()
	m := newTestMirror()

	// Only the NO token has resting levels: NO bid 0.40 / ask 0.42 folds to
	// YES bid 0.58 / ask 0.60.
	m.ApplyBookEvent(types.WSBookEvent{
		AssetID: testNoToken,
		Buys:    []types.PriceLevel{{Price: "0.40", Size: "100"}},
		Sells:   []types.PriceLevel{{Price: "0.42", Size: "120"}},
	})

	u := <-m.Updates()
	if u.TokenID != testYesToken {
		t.Errorf("token id = %v, want the yes token", u.TokenID)
	}
	if math.Abs(u.BestBid-0.58) > 1e-9 { // 1-0.42 is 0.5800000000000001 in float64
		t.Errorf("normalized bid = %v, want 0.58", u.BestBid)
	}
	if u.BestAsk != 0.60 {
		t.Errorf("normalized ask = %v, want 0.60", u.BestAsk)
	}
}

func TestBookMirrorPriceChangeUpsertAndRemove(t *testing.T) {
	t.Parallel()
	m := newTestMirror()

	m.ApplyBookEvent(types.WSBookEvent{
		AssetID: testYesToken,
		Buys:    []types.PriceLevel{{Price: "0.50", Size: "100"}},
		Sells:   []types.PriceLevel{{Price: "0.60", Size: "100"}},
	})
	<-m.Updates()

	m.ApplyPriceChange(types.WSPriceChangeEvent{
		PriceChanges: []types.WSPriceChange{
			{AssetID: testYesToken, Side: "BUY", Price: "0.51", Size: "40"},
		},
	})
	u := <-m.Updates()
	if u.BestBid != 0.51 {
		t.Errorf("bid after upsert = %v, want 0.51", u.BestBid)
	}

	m.ApplyPriceChange(types.WSPriceChangeEvent{
		PriceChanges: []types.WSPriceChange{
			{AssetID: testYesToken, Side: "BUY", Price: "0.51", Size: "0"},
		},
	})
	u = <-m.Updates()
	if u.BestBid != 0.50 {
		t.Errorf("bid after removal = %v, want fallback to 0.50", u.BestBid)
	}
}

func TestBookMirrorUnregisterDropsEvents(t *testing.T) {
	t.Parallel()
	m := newTestMirror()
	m.Unregister(testYesToken, testNoToken)

	m.ApplyBookEvent(types.WSBookEvent{
		AssetID: testYesToken,
		Buys:    []types.PriceLevel{{Price: "0.50", Size: "100"}},
		Sells:   []types.PriceLevel{{Price: "0.60", Size: "100"}},
	})

	select {
	case <-m.Updates():
		t.Fatal("expected no update after unregister")
	default:
	}
}
