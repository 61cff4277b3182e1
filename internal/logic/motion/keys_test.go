package motion

import "testing"

func TestKeyDirection(t *testing.T) {
	cases := []struct {
		key  string
		want Direction
		ok   bool
	}{
		{"w", Forward, true},
		{"a", Left, true},
		{"d", Right, true},
		{"s", Stop, true},
		{"x", Backward, true},
		{"z", Stop, false},
		{"W", Stop, false},
		{"ww", Stop, false},
		{"", Stop, false},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			got, ok := KeyDirection(tc.key)
			if ok != tc.ok || got != tc.want {
				t.Errorf("KeyDirection(%q) = %s,%v, want %s,%v", tc.key, got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestIsEndOfStream(t *testing.T) {
	for _, key := range []string{"\x03", "\x04"} {
		if !IsEndOfStream(key) {
			t.Errorf("%q should end the stream", key)
		}
	}
	for _, key := range []string{"q", "s", ""} {
		if IsEndOfStream(key) {
			t.Errorf("%q should not end the stream", key)
		}
	}
}

func TestValidateKeyMap_Default(t *testing.T) {
	if err := ValidateKeyMap(); err != nil {
		t.Fatalf("default key map invalid: %v", err)
	}
	if got := len(Keys()); got != len(Directions) {
		t.Errorf("Keys() has %d entries, want %d", got, len(Directions))
	}
}

func TestValidateKeyMap_Errors(t *testing.T) {
	cases := []struct {
		name string
		m    map[string]Direction
	}{
		{"multi_char", map[string]Direction{"ww": Forward, "a": Left, "d": Right, "s": Stop, "x": Backward}},
		{"reserved", map[string]Direction{"\x03": Forward, "a": Left, "d": Right, "s": Stop, "x": Backward}},
		{"duplicate", map[string]Direction{"w": Forward, "f": Forward, "a": Left, "d": Right, "s": Stop, "x": Backward}},
		{"missing", map[string]Direction{"w": Forward, "a": Left, "d": Right, "s": Stop}},
		{"unknown", map[string]Direction{"w": Forward, "a": Left, "d": Right, "s": Stop, "x": Backward, "y": Direction(9)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := validateKeyMap(tc.m); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
