package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDetect(t *testing.T) {
	cases := []struct {
		s    Signals
		want bool
	}{
		{Signals{}, false},
		{Signals{Size: true}, false},
		{Signals{Timing: true}, false},
		{Signals{Console: true}, true},
		{Signals{Size: true, Timing: true}, true},
		{Signals{Size: true, Console: true}, true},
		{Signals{Size: true, Console: true, Timing: true}, true},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Detect(tc.s), "%+v", tc.s)
	}
}

func TestSizeSignal(t *testing.T) {
	require.False(t, SizeSignal(1440, 1440, 900, 820, DefaultSizeThreshold))
	require.False(t, SizeSignal(1440, 1280, 900, 900, DefaultSizeThreshold), "exactly at threshold")
	require.True(t, SizeSignal(1440, 1279, 900, 900, DefaultSizeThreshold))
	require.True(t, SizeSignal(1440, 1440, 900, 500, DefaultSizeThreshold))
}

func TestTimingSignal(t *testing.T) {
	require.False(t, TimingSignal(40*time.Millisecond, DefaultTimingThreshold))
	require.False(t, TimingSignal(DefaultTimingThreshold, DefaultTimingThreshold))
	require.True(t, TimingSignal(DefaultTimingThreshold+time.Millisecond, DefaultTimingThreshold))
}

func TestMeasurementProbe(t *testing.T) {
	p := MeasurementProbe{
		Thresholds: DefaultThresholds(),
		Sample: func(context.Context) (Measurement, error) {
			return Measurement{
				OuterWidth: 1600, InnerWidth: 1000,
				OuterHeight: 900, InnerHeight: 880,
				LoopElapsed: 300 * time.Millisecond,
			}, nil
		},
	}
	sig, err := p.Signals(context.Background())
	require.NoError(t, err)
	require.Equal(t, Signals{Size: true, Timing: true}, sig)
	require.True(t, Detect(sig))

	boom := errors.New("no window")
	p.Sample = func(context.Context) (Measurement, error) { return Measurement{}, boom }
	_, err = p.Signals(context.Background())
	require.ErrorIs(t, err, boom)
}
