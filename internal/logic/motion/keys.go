package motion

import (
	"fmt"
	"unicode/utf8"
)

// keyMap is the only mapping from keyboard characters to directions.
var keyMap = map[string]Direction{
	"w": Forward,
	"a": Left,
	"d": Right,
	"s": Stop,
	"x": Backward,
}

// endOfStream keys close a key stream: Ctrl-C and Ctrl-D.
var endOfStream = map[string]bool{
	"\x03": true,
	"\x04": true,
}

// KeyDirection returns the direction bound to key. Anything but an exact
// single-character match is unbound.
func KeyDirection(key string) (Direction, bool) {
	d, ok := keyMap[key]
	return d, ok
}

// IsEndOfStream reports whether key asks the server to end the stream.
func IsEndOfStream(key string) bool {
	return endOfStream[key]
}

// Keys returns the bound key for every direction.
func Keys() map[Direction]string {
	out := make(map[Direction]string, len(keyMap))
	for k, d := range keyMap {
		out[d] = k
	}
	return out
}

// ValidateKeyMap checks the key table: single-rune keys, no clash with the
// end-of-stream keys, and every direction bound to exactly one key.
func ValidateKeyMap() error {
	return validateKeyMap(keyMap)
}

func validateKeyMap(m map[string]Direction) error {
	bound := make(map[Direction]string, len(Directions))
	for key, d := range m {
		if utf8.RuneCountInString(key) != 1 {
			return fmt.Errorf("key %q is not a single character", key)
		}
		if endOfStream[key] {
			return fmt.Errorf("key %q is reserved for end of stream", key)
		}
		if int(d) >= len(Directions) {
			return fmt.Errorf("key %q maps to unknown direction %d", key, d)
		}
		if other, dup := bound[d]; dup {
			return fmt.Errorf("direction %s bound to both %q and %q", d, other, key)
		}
		bound[d] = key
	}
	for _, d := range Directions {
		if _, ok := bound[d]; !ok {
			return fmt.Errorf("direction %s has no key", d)
		}
	}
	return nil
}
