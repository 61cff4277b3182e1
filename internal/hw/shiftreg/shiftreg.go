package shiftreg

import (
	"fmt"
	"time"

	"github.com/shiftbot/shiftbot/internal/hw/gpio"
	"github.com/shiftbot/shiftbot/internal/telemetry"
)

// DefaultSettle is the hold time between two edges when Config.Settle is 0.
const DefaultSettle = 1 * time.Millisecond

// Pins holds the BCM numbers of the four register lines.
type Pins struct {
	Data         int // DS, serial data input
	Clock        int // SHCP, shift register clock
	Latch        int // STCP, storage register clock
	OutputEnable int // OE, active LOW
}

// Config holds the hardware configuration for a 74HC595-style register.
type Config struct {
	Pins   Pins
	Settle time.Duration // hold time between edges; must satisfy the register's setup/hold timing
}

// Driver shifts bytes into the register and gates its outputs.
// It is the only code that touches the four lines. It is not safe for
// concurrent use; callers serialize access (see motion.Controller).
type Driver struct {
	gpio   gpio.Driver
	pins   Pins
	settle time.Duration
	sink   telemetry.Sink
}

// New configures the four pins as outputs and leaves the register in a safe
// state: outputs off, clock and data LOW, latch HIGH.
// A failure here means the lines are unusable and should abort startup.
func New(g gpio.Driver, cfg Config, sink telemetry.Sink) (*Driver, error) {
	p := cfg.Pins
	seen := make(map[int]string, 4)
	for _, pin := range []struct {
		name string
		num  int
	}{
		{"data", p.Data},
		{"clock", p.Clock},
		{"latch", p.Latch},
		{"output_enable", p.OutputEnable},
	} {
		if other, dup := seen[pin.num]; dup {
			return nil, fmt.Errorf("%s pin %d already used by %s", pin.name, pin.num, other)
		}
		seen[pin.num] = pin.name
		if err := g.SetupPin(pin.num, gpio.Output); err != nil {
			return nil, fmt.Errorf("setup %s pin %d: %w", pin.name, pin.num, err)
		}
	}

	settle := cfg.Settle
	if settle <= 0 {
		settle = DefaultSettle
	}
	if sink == nil {
		sink = telemetry.Discard
	}

	d := &Driver{
		gpio:   g,
		pins:   p,
		settle: settle,
		sink:   sink,
	}

	// OE first so nothing is driven while the other lines settle.
	for _, w := range []struct {
		pin   int
		level gpio.Level
	}{
		{p.OutputEnable, gpio.High},
		{p.Clock, gpio.Low},
		{p.Data, gpio.Low},
		{p.Latch, gpio.High},
	} {
		if err := g.WritePin(w.pin, w.level); err != nil {
			return nil, fmt.Errorf("initialize pin %d: %w", w.pin, err)
		}
	}
	return d, nil
}

// SetOutputsEnabled gates the register outputs. OE is active LOW:
// enabled drives it LOW, disabled drives it HIGH and forces every output off
// regardless of the latched byte.
func (d *Driver) SetOutputsEnabled(on bool) error {
	level := gpio.High
	if on {
		level = gpio.Low
	}
	if err := d.gpio.WritePin(d.pins.OutputEnable, level); err != nil {
		return fmt.Errorf("output enable: %w", err)
	}
	telemetry.Record(d.sink, telemetry.Event{Kind: telemetry.KindOutputs, Enabled: on})
	return nil
}

// Send runs one latch cycle: latch LOW, eight bits MSB first each clocked
// on a rising edge, latch HIGH. The bit-to-motor wiring assumes MSB first;
// shifting LSB first drives the wrong legs.
func (d *Driver) Send(pattern byte) error {
	if err := d.write(d.pins.Latch, gpio.Low); err != nil {
		return err
	}

	for i := 7; i >= 0; i-- {
		bit := gpio.Level((pattern>>uint(i))&1 == 1)
		if err := d.write(d.pins.Data, bit); err != nil {
			return err
		}
		if err := d.clockPulse(); err != nil {
			return err
		}
	}

	if err := d.write(d.pins.Latch, gpio.High); err != nil {
		return err
	}

	telemetry.Record(d.sink, telemetry.Event{Kind: telemetry.KindShift, Pattern: pattern})
	return nil
}

func (d *Driver) clockPulse() error {
	if err := d.write(d.pins.Clock, gpio.High); err != nil {
		return err
	}
	return d.write(d.pins.Clock, gpio.Low)
}

// write sets a line and holds it for the settle interval.
func (d *Driver) write(pin int, level gpio.Level) error {
	if err := d.gpio.WritePin(pin, level); err != nil {
		return fmt.Errorf("write pin %d: %w", pin, err)
	}
	time.Sleep(d.settle)
	return nil
}
