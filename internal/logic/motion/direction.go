package motion

import "strings"

// Direction is the closed set of motions the robot can perform.
// The zero value is Stop.
type Direction uint8

const (
	Stop Direction = iota
	Forward
	Left
	Right
	Backward
)

// Line patterns as wired to the register outputs, one bit per motor leg:
//
//	front-right: back 0b00010000 | forward 0b00000010
//	front-left:  back 0b00000001 | forward 0b01000000
//	back-left:   back 0b00100000 | forward 0b10000000
//	back-right:  back 0b00001000 | forward 0b00000100
const (
	PatternStop     byte = 0b00000000
	PatternForward  byte = 0b11000110
	PatternLeft     byte = 0b00100111
	PatternRight    byte = 0b11011000
	PatternBackward byte = 0b00111001
)

// Directions lists every variant, Stop first.
var Directions = [...]Direction{Stop, Forward, Left, Right, Backward}

var patterns = [...]byte{
	Stop:     PatternStop,
	Forward:  PatternForward,
	Left:     PatternLeft,
	Right:    PatternRight,
	Backward: PatternBackward,
}

var names = [...]string{
	Stop:     "stop",
	Forward:  "forward",
	Left:     "left",
	Right:    "right",
	Backward: "backward",
}

// Pattern returns the byte shifted into the register for d.
// Values outside the enumeration encode as Stop.
func (d Direction) Pattern() byte {
	if int(d) < len(patterns) {
		return patterns[d]
	}
	return PatternStop
}

func (d Direction) String() string {
	if int(d) < len(names) {
		return names[d]
	}
	return "unknown"
}

// Decode maps a register pattern back to its Direction.
func Decode(pattern byte) (Direction, bool) {
	for _, d := range Directions {
		if patterns[d] == pattern {
			return d, true
		}
	}
	return Stop, false
}

// ParseMoveDirection parses the direction of a timed move. Only the four
// moving directions are accepted, either by name ("left") or in the
// MOVE_LEFT form; case is ignored. Stop is not a move.
func ParseMoveDirection(s string) (Direction, bool) {
	name := strings.ToLower(strings.TrimSpace(s))
	name = strings.TrimPrefix(name, "move_")
	for _, d := range Directions {
		if d != Stop && names[d] == name {
			return d, true
		}
	}
	return Stop, false
}
