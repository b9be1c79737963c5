package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/quantfold/internal/domain"
)

func fill(ts int64, tid string) domain.Fill {
	return domain.Fill{
		TsMS: ts, Address: "0xabc", TID: tid, Symbol: "BTC",
		Side: domain.SideBuy, Price: 100, Size: 1, Source: domain.SourceUser,
	}
}

func TestRingPreservesArrivalOrder(t *testing.T) {
	r := NewFillRing(8)
	for i := int64(0); i < 5; i++ {
		r.Push(fill(i, ""))
	}
	out := r.Drain(0)
	require.Len(t, out, 5)
	for i, f := range out {
		assert.Equal(t, int64(i), f.TsMS)
	}
	assert.Equal(t, 0, r.Len())
}

func TestRingOverflowDropsOldestAndCounts(t *testing.T) {
	r := NewFillRing(3)
	for i := int64(0); i < 5; i++ {
		r.Push(fill(i, ""))
	}
	assert.Equal(t, int64(2), r.Dropped())

	out := r.Drain(0)
	require.Len(t, out, 3)
	assert.Equal(t, int64(2), out[0].TsMS)
	assert.Equal(t, int64(4), out[2].TsMS)
}

func TestDrainIsCapped(t *testing.T) {
	r := NewFillRing(8)
	for i := int64(0); i < 6; i++ {
		r.Push(fill(i, ""))
	}
	first := r.Drain(4)
	assert.Len(t, first, 4)
	second := r.Drain(4)
	require.Len(t, second, 2)
	assert.Equal(t, int64(4), second[0].TsMS)
}

func TestDrainEmptyReturnsNil(t *testing.T) {
	r := NewFillRing(4)
	assert.Nil(t, r.Drain(10))
}

var upgrader = websocket.Upgrader{}

// wsServer feeds each frame then keeps the connection open.
func wsServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for _, frame := range frames {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func frameOf(t *testing.T, fills ...domain.Fill) string {
	t.Helper()
	b, err := json.Marshal(message{Type: "fills", Data: fills})
	require.NoError(t, err)
	return string(b)
}

func TestConsumerPushesFillsAndDedupes(t *testing.T) {
	f1 := fill(1, "t1")
	f2 := fill(2, "t2")
	srv := wsServer(t, []string{
		frameOf(t, f1, f2),
		frameOf(t, f1), // duplicate (address, tid)
		`{"type":"heartbeat"}`,
		`not json`,
	})
	defer srv.Close()

	ring := NewFillRing(16)
	c := NewConsumer(Config{
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		Symbol: "BTC",
	}, ring)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { c.Run(ctx); close(done) }()

	require.Eventually(t, func() bool { return ring.Len() == 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	out := ring.Drain(0)
	require.Len(t, out, 2)
	assert.Equal(t, "t1", out[0].TID)
	assert.Equal(t, "t2", out[1].TID)
	assert.Equal(t, int64(3), c.Stats().Received)
	assert.Equal(t, int64(1), c.Stats().Deduped)
}

func TestConsumerFiltersOtherSymbols(t *testing.T) {
	other := fill(1, "x1")
	other.Symbol = "ETH"
	mine := fill(2, "x2")
	srv := wsServer(t, []string{frameOf(t, other, mine)})
	defer srv.Close()

	ring := NewFillRing(16)
	c := NewConsumer(Config{
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		Symbol: "BTC",
	}, ring)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { c.Run(ctx); close(done) }()

	require.Eventually(t, func() bool { return ring.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, "x2", ring.Drain(0)[0].TID)
}

func TestPublicTapeFillsNeverDeduped(t *testing.T) {
	pub := domain.Fill{TsMS: 1, Symbol: "BTC", Side: domain.SideSell, Price: 100, Size: 2, Source: domain.SourcePublic}
	srv := wsServer(t, []string{frameOf(t, pub, pub)})
	defer srv.Close()

	ring := NewFillRing(16)
	c := NewConsumer(Config{
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		Symbol: "BTC",
	}, ring)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { c.Run(ctx); close(done) }()

	require.Eventually(t, func() bool { return ring.Len() == 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}
