package capture

import "testing"

func TestNullSourceLatestIsAlwaysNil(t *testing.T) {
	s := NewNullSource()
	if err := s.Start(1920, 1080, 30, 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := s.Latest(); got != nil {
		t.Fatalf("got %v, want nil", got)
	}
	s.Stop()
	if got := s.Latest(); got != nil {
		t.Fatalf("got %v, want nil after stop", got)
	}
}

func TestNullSourceSatisfiesInterface(t *testing.T) {
	var _ ScreenSource = NewNullSource()
}
