package trace

import "testing"

func TestDiscriminants(t *testing.T) {
	cases := []struct {
		event Event
		want  string
	}{
		{ClockNow{Seconds: 1, Nanoseconds: 2}, "clock_now"},
		{ClockResolution{Seconds: 0, Nanoseconds: 1}, "clock_resolution"},
		{MonotonicNow{Nanoseconds: 3}, "monotonic_clock_now"},
		{MonotonicResolution{Nanoseconds: 4}, "monotonic_clock_resolution"},
		{RandomBytes{Bytes: []byte{1, 2, 3}}, "random_bytes"},
		{RandomU64{Value: 42}, "random_u64"},
		{Environment{Entries: []Pair{{Name: "A", Value: "B"}}}, "environment"},
		{Arguments{Args: []string{"a", "b"}}, "arguments"},
		{InitialCwd{}, "initial_cwd"},
		{HTTPResponse{Status: 200}, "http_response"},
	}

	for _, c := range cases {
		if got := c.event.Discriminant(); got != c.want {
			t.Errorf("Discriminant() = %q, want %q", got, c.want)
		}
	}
}

func TestInitialCwdPathOptional(t *testing.T) {
	none := InitialCwd{}
	if none.Path != nil {
		t.Errorf("expected nil path, got %v", *none.Path)
	}

	path := "/home/guest"
	some := InitialCwd{Path: &path}
	if some.Path == nil || *some.Path != path {
		t.Errorf("expected path %q, got %v", path, some.Path)
	}
}

func TestPairPreservesOrderAndDuplicates(t *testing.T) {
	env := Environment{Entries: []Pair{
		{Name: "PATH", Value: "/bin"},
		{Name: "PATH", Value: "/usr/bin"},
	}}
	if len(env.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(env.Entries))
	}
	if env.Entries[0].Value != "/bin" || env.Entries[1].Value != "/usr/bin" {
		t.Error("duplicate keys should be preserved in order, not deduplicated")
	}
}
