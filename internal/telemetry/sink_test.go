package telemetry

import "testing"

func TestSinkWithNilPublisherIsANoOp(t *testing.T) {
	s := NewSink(nil)
	if got, want := s.Label(), "telemetry:mqtt"; got != want {
		t.Errorf("Label() = %q, want %q", got, want)
	}
	if err := s.WriteRec(map[string]any{"v": 1.0}); err != nil {
		t.Errorf("WriteRec with nil publisher returned error: %v", err)
	}
	s.Stop() // must not panic
}
