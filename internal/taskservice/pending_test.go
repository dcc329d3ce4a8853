package taskservice

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPendingTaskBodyIsExactlyOneCase(t *testing.T) {
	embedded, err := newPendingTask(&echoTask{Msg: "m"}, startNow, notPeriodic, "o")
	require.NoError(t, err)
	require.False(t, embedded.IsReference())

	ref, err := newPendingTask(&boundTask{Binding: "b"}, startNow, notPeriodic, "o")
	require.NoError(t, err)
	require.True(t, ref.IsReference())

	_, err = newPendingTask(&boundTask{}, startNow, notPeriodic, "o")
	require.ErrorIs(t, err, ErrInvalidArgument)

	b, err := json.Marshal(ref)
	require.NoError(t, err)
	require.JSONEq(t, `{"kind":"bound","start":0,"period":-1,"owner":"o","cancelled":false,"node":-1,"ref":"b"}`, string(b))

	var p PendingTask
	require.Error(t, json.Unmarshal([]byte(`{"kind":"echo","payload":{"msg":"x"},"ref":"b"}`), &p))
	require.Error(t, json.Unmarshal([]byte(`{"kind":"echo","period":-1}`), &p))
	require.Error(t, json.Unmarshal([]byte(`{"kind":"echo","period":-2,"ref":"b"}`), &p))
	require.NoError(t, json.Unmarshal([]byte(`{"kind":"echo","period":-1,"node":-1,"payload":{"msg":"x"}}`), &p))
	require.False(t, p.IsReference())
}

func TestMarkCancelledIsMonotonic(t *testing.T) {
	p, err := newPendingTask(&echoTask{}, startNow, 1000, "o")
	require.NoError(t, err)
	require.True(t, p.MarkCancelled())
	require.False(t, p.MarkCancelled())
	require.True(t, p.IsCancelled())
}

func TestNextFire(t *testing.T) {
	start := t0.UnixMilli()
	cases := []struct {
		name   string
		start  int64
		period int64
		now    time.Time
		want   time.Time
	}{
		{"future start", start, 1000, t0.Add(-time.Minute), t0},
		{"exactly at start", start, 1000, t0, t0},
		{"on a period boundary", start, 10_000, t0.Add(30 * time.Second), t0.Add(30 * time.Second)},
		{"between periods", start, 10_000, t0.Add(31 * time.Second), t0.Add(40 * time.Second)},
		{"many periods missed", start, 1000, t0.Add(time.Hour + 1), t0.Add(time.Hour + time.Second)},
		{"zero period", start, 0, t0.Add(time.Minute), t0.Add(time.Minute)},
		{"start now", startNow, 1000, t0, t0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p := &PendingTask{start: c.start, period: c.period}
			require.True(t, p.nextFire(c.now).Equal(c.want), "got %s", p.nextFire(c.now))
		})
	}
}
