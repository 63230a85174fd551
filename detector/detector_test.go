// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package detector_test

import (
	"context"
	"testing"
	"time"

	"github.com/Azure/cribwatch/bus"
	"github.com/Azure/cribwatch/detector"
	"github.com/Azure/cribwatch/errors"
	"github.com/Azure/cribwatch/event"
	"github.com/Azure/cribwatch/iso"
	"github.com/stretchr/testify/require"
)

func TestAnnounceRoundTrip(t *testing.T) {
	announce := &detector.Announce{
		Detector:        "radar",
		Kind:            "radar",
		FirmwareVersion: "2.4.1",
		StartedAt:       iso.DateTime(time.Unix(2e9, 0).UTC()),
		Capabilities:    []string{"respiration_rate", "movement"},
	}

	data, err := announce.Encode()
	require.NoError(t, err)
	require.Contains(t, string(data), `"detector":"radar"`)
	require.Contains(t, string(data), `"started_at":"2033-05-18T03:33:20Z"`)

	decoded, err := detector.ParseAnnounce(data)
	require.NoError(t, err)
	require.Equal(t, announce, decoded)
}

func TestParseAnnounceInvalid(t *testing.T) {
	t.Run("Garbage", func(t *testing.T) {
		_, err := detector.ParseAnnounce([]byte("{not json"))
		require.Error(t, err)
		require.Equal(t, errors.PayloadInvalid, err.(*errors.Error).Kind)
	})

	t.Run("MissingDetector", func(t *testing.T) {
		_, err := detector.ParseAnnounce([]byte(`{"kind":"radar"}`))
		require.Error(t, err)

		e, ok := err.(*errors.Error)
		require.True(t, ok)
		require.Equal(t, errors.PayloadInvalid, e.Kind)
		require.Equal(t, "detector", e.PropertyName)
	})
}

func TestSimulatedValidation(t *testing.T) {
	b := bus.New()
	vitals := []detector.Vital{{Field: "heart_rate", Base: 120, Jitter: 10}}

	tests := []struct {
		name string
		fn   func() (*detector.Simulated, error)
	}{
		{"NilBus", func() (*detector.Simulated, error) {
			return detector.NewSimulated(nil, "radar", vitals)
		}},
		{"EmptyID", func() (*detector.Simulated, error) {
			return detector.NewSimulated(b, "", vitals)
		}},
		{"NoVitals", func() (*detector.Simulated, error) {
			return detector.NewSimulated(b, "radar", nil)
		}},
		{"ConfidenceTooHigh", func() (*detector.Simulated, error) {
			return detector.NewSimulated(b, "radar", vitals,
				detector.WithConfidence(1.5))
		}},
		{"ConfidenceNegative", func() (*detector.Simulated, error) {
			return detector.NewSimulated(b, "radar", vitals,
				detector.WithConfidence(-0.1))
		}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := test.fn()
			require.Error(t, err)
			require.Equal(t, errors.ArgumentInvalid, err.(*errors.Error).Kind)
		})
	}
}

func TestSimulatedPublishes(t *testing.T) {
	ctx := context.Background()
	b := bus.New()

	received := make(chan *event.Event, 16)
	sub, err := b.NewSubscriber(func(_ context.Context, e *event.Event) {
		received <- e
	})
	require.NoError(t, err)

	stop, err := sub.Listen(ctx)
	require.NoError(t, err)
	t.Cleanup(stop)

	sim, err := detector.NewSimulated(b, "radar",
		[]detector.Vital{
			{Field: "heart_rate", Base: 120, Jitter: 10},
			{Field: "respiration_rate", Base: 28, Jitter: 4},
		},
		detector.WithInterval(5*time.Millisecond),
		detector.WithConfidence(0.85),
		detector.WithSessionID("session-1"),
		detector.WithSeed(42),
	)
	require.NoError(t, err)
	require.Equal(t, "radar", sim.ID())
	require.Equal(t, event.StateNormal, sim.State())

	require.NoError(t, sim.Start(ctx))
	t.Cleanup(sim.Stop)

	var events []*event.Event
	for range 3 {
		select {
		case e := <-received:
			events = append(events, e)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for simulated events")
		}
	}

	for i, e := range events {
		require.Equal(t, "radar", e.Detector)
		require.Equal(t, "session-1", e.SessionID)
		require.Equal(t, 0.85, e.Confidence)
		require.Equal(t, event.StateNormal, e.State)
		require.Equal(t, uint64(i+1), e.Sequence)

		heartRate, ok := e.Value["heart_rate"].(float64)
		require.True(t, ok)
		require.GreaterOrEqual(t, heartRate, 110.0)
		require.LessOrEqual(t, heartRate, 130.0)

		respiration, ok := e.Value["respiration_rate"].(float64)
		require.True(t, ok)
		require.GreaterOrEqual(t, respiration, 24.0)
		require.LessOrEqual(t, respiration, 32.0)
	}
}

func TestSimulatedSeededJitter(t *testing.T) {
	ctx := context.Background()

	vitals := []detector.Vital{{Field: "heart_rate", Base: 120, Jitter: 10}}
	first := make(map[string]float64, 2)

	// Two detectors sharing a seed walk the same jitter sequence.
	for _, id := range []string{"left", "right"} {
		b := bus.New()
		received := make(chan *event.Event, 16)
		sub, err := b.NewSubscriber(func(_ context.Context, e *event.Event) {
			received <- e
		})
		require.NoError(t, err)

		stop, err := sub.Listen(ctx)
		require.NoError(t, err)
		t.Cleanup(stop)

		sim, err := detector.NewSimulated(b, id, vitals,
			detector.WithInterval(5*time.Millisecond),
			detector.WithSeed(7),
		)
		require.NoError(t, err)
		require.NoError(t, sim.Start(ctx))

		select {
		case e := <-received:
			require.Equal(t, id, e.Detector)
			first[id] = e.Value["heart_rate"].(float64)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for simulated event")
		}
		sim.Stop()
	}

	require.Equal(t, first["left"], first["right"])
}

func TestSimulatedLifecycle(t *testing.T) {
	ctx := context.Background()

	sim, err := detector.NewSimulated(bus.New(), "radar",
		[]detector.Vital{{Field: "heart_rate", Base: 120, Jitter: 10}})
	require.NoError(t, err)

	require.NoError(t, sim.Start(ctx))

	err = sim.Start(ctx)
	require.Error(t, err)
	require.Equal(t, errors.StateInvalid, err.(*errors.Error).Kind)

	sim.Stop()
	sim.Stop()

	// A stopped detector can be started again.
	require.NoError(t, sim.Start(ctx))
	sim.Stop()
}

func TestSimulatedCalibrate(t *testing.T) {
	ctx := context.Background()

	sim, err := detector.NewSimulated(bus.New(), "radar",
		[]detector.Vital{
			{Field: "heart_rate", Base: 120, Jitter: 10},
			{Field: "respiration_rate", Base: 28, Jitter: 4},
		})
	require.NoError(t, err)

	result, err := sim.Calibrate(ctx)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.NotEmpty(t, result.Message)
	require.Equal(t, map[string]float64{
		"heart_rate":       120,
		"respiration_rate": 28,
	}, result.Baseline)
	require.Equal(t, "1s", result.RecommendedSettings["interval"])
	require.GreaterOrEqual(t, time.Duration(result.Elapsed), time.Duration(0))
}
