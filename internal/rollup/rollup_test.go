package rollup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/quantfold/internal/domain"
)

func mkBar(i int64) domain.Bar {
	return domain.Bar{
		TsMS:   (i + 1) * 300_000,
		Open:   100 + float64(i),
		High:   105 + float64(i),
		Low:    95 + float64(i),
		Close:  102 + float64(i),
		Volume: 10,
		BarID:  i,
	}
}

func TestTwelveBarsMakeOneHour(t *testing.T) {
	e := NewEngine(map[domain.Timeframe]int{domain.TF1h: 12})

	var got map[domain.Timeframe]domain.Bar
	for i := int64(0); i < 12; i++ {
		got = e.Push(mkBar(i))
		if i < 11 {
			require.Nil(t, got)
		}
	}
	require.NotNil(t, got)
	hour, ok := got[domain.TF1h]
	require.True(t, ok)

	assert.Equal(t, 100.0, hour.Open)     // first open
	assert.Equal(t, 102.0+11, hour.Close) // last close
	assert.Equal(t, 105.0+11, hour.High)  // max high
	assert.Equal(t, 95.0, hour.Low)       // min low
	assert.Equal(t, 120.0, hour.Volume)   // sum
	assert.Equal(t, int64(11), hour.BarID)
	assert.True(t, e.Ready(domain.TF1h, 1))
	assert.False(t, e.Ready(domain.TF1h, 2))
}

func TestReplayIsDeterministic(t *testing.T) {
	run := func() domain.Bar {
		e := NewEngine(map[domain.Timeframe]int{domain.TF15m: 3})
		var out domain.Bar
		for i := int64(0); i < 3; i++ {
			if m := e.Push(mkBar(i)); m != nil {
				out = m[domain.TF15m]
			}
		}
		return out
	}
	assert.Equal(t, run(), run())
}

func TestDuplicateTimestampIgnored(t *testing.T) {
	e := NewEngine(map[domain.Timeframe]int{domain.TF15m: 2})
	require.Nil(t, e.Push(mkBar(0)))
	require.Nil(t, e.Push(mkBar(0))) // same ts: no state change
	got := e.Push(mkBar(1))
	require.NotNil(t, got)
	assert.Equal(t, 20.0, got[domain.TF15m].Volume)
}

func TestMultipleOverlays(t *testing.T) {
	e := NewEngine(map[domain.Timeframe]int{domain.TF15m: 3, domain.TF1h: 12})
	emitted15 := 0
	for i := int64(0); i < 12; i++ {
		if m := e.Push(mkBar(i)); m != nil {
			if _, ok := m[domain.TF15m]; ok {
				emitted15++
			}
		}
	}
	assert.Equal(t, 4, emitted15)
	assert.Equal(t, 1, e.EmittedCount(domain.TF1h))
}
