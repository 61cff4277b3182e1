package shiftreg

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/shiftbot/shiftbot/internal/hw/gpio"
	"github.com/shiftbot/shiftbot/internal/telemetry"
)

const (
	pinData  = 17
	pinClock = 27
	pinLatch = 22
	pinOE    = 23
)

// recordingDriver records GPIO calls for verification.
type recordingDriver struct {
	calls   []gpioCall
	failPin int // WritePin on this pin fails when > 0
}

type gpioCall struct {
	op    string // "setup", "write"
	pin   int
	level gpio.Level
}

func (d *recordingDriver) SetupPin(pin int, mode gpio.PinMode) error {
	d.calls = append(d.calls, gpioCall{op: "setup", pin: pin})
	return nil
}

func (d *recordingDriver) WritePin(pin int, level gpio.Level) error {
	if d.failPin > 0 && pin == d.failPin {
		return errors.New("line stuck")
	}
	d.calls = append(d.calls, gpioCall{op: "write", pin: pin, level: level})
	return nil
}

func (d *recordingDriver) ReadPin(pin int) (gpio.Level, error) {
	return gpio.Low, nil
}

func (d *recordingDriver) Close() error {
	return nil
}

func (d *recordingDriver) writeCalls() []gpioCall {
	var result []gpioCall
	for _, c := range d.calls {
		if c.op == "write" {
			result = append(result, c)
		}
	}
	return result
}

func (d *recordingDriver) writeCallsForPin(pin int) []gpioCall {
	var result []gpioCall
	for _, c := range d.calls {
		if c.op == "write" && c.pin == pin {
			result = append(result, c)
		}
	}
	return result
}

// dataAtClockEdges returns the data line level at every rising clock edge.
func (d *recordingDriver) dataAtClockEdges() []int {
	var data gpio.Level
	var bits []int
	for _, c := range d.writeCalls() {
		switch {
		case c.pin == pinData:
			data = c.level
		case c.pin == pinClock && c.level == gpio.High:
			if data {
				bits = append(bits, 1)
			} else {
				bits = append(bits, 0)
			}
		}
	}
	return bits
}

type eventSink struct{ events []telemetry.Event }

func (s *eventSink) Record(e telemetry.Event) { s.events = append(s.events, e) }

func testConfig() Config {
	return Config{
		Pins: Pins{
			Data:         pinData,
			Clock:        pinClock,
			Latch:        pinLatch,
			OutputEnable: pinOE,
		},
		Settle: 1 * time.Microsecond,
	}
}

func newTestDriver(t *testing.T) (*Driver, *recordingDriver, *eventSink) {
	t.Helper()
	drv := &recordingDriver{}
	sink := &eventSink{}
	d, err := New(drv, testConfig(), sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	drv.calls = nil // reset after init
	return d, drv, sink
}

func TestNew_SafeInitialState(t *testing.T) {
	drv := &recordingDriver{}
	if _, err := New(drv, testConfig(), nil); err != nil {
		t.Fatalf("New: %v", err)
	}

	setups := 0
	for _, c := range drv.calls {
		if c.op == "setup" {
			setups++
		}
	}
	if setups != 4 {
		t.Errorf("expected 4 pins set up, got %d", setups)
	}

	want := []gpioCall{
		{op: "write", pin: pinOE, level: gpio.High},
		{op: "write", pin: pinClock, level: gpio.Low},
		{op: "write", pin: pinData, level: gpio.Low},
		{op: "write", pin: pinLatch, level: gpio.High},
	}
	if diff := cmp.Diff(want, drv.writeCalls(), cmp.AllowUnexported(gpioCall{})); diff != "" {
		t.Errorf("unexpected init writes (-want +got):\n%s", diff)
	}
}

func TestNew_DuplicatePinRejected(t *testing.T) {
	cfg := testConfig()
	cfg.Pins.Latch = cfg.Pins.Clock
	if _, err := New(&recordingDriver{}, cfg, nil); err == nil {
		t.Error("expected error for shared clock/latch pin")
	}
}

func TestNew_WriteFailureIsReturned(t *testing.T) {
	drv := &recordingDriver{failPin: pinOE}
	if _, err := New(drv, testConfig(), nil); err == nil {
		t.Error("expected error when output-enable cannot be driven")
	}
}

func TestNew_DefaultSettle(t *testing.T) {
	cfg := testConfig()
	cfg.Settle = 0
	d, err := New(&recordingDriver{}, cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if d.settle != DefaultSettle {
		t.Errorf("default settle = %v, want %v", d.settle, DefaultSettle)
	}
}

func TestSend_MSBFirst(t *testing.T) {
	d, drv, _ := newTestDriver(t)

	if err := d.Send(0b10110010); err != nil {
		t.Fatalf("Send: %v", err)
	}

	want := []int{1, 0, 1, 1, 0, 0, 1, 0}
	if diff := cmp.Diff(want, drv.dataAtClockEdges()); diff != "" {
		t.Errorf("data bits at clock edges (-want +got):\n%s", diff)
	}
}

func TestSend_LatchFramesEightClockPulses(t *testing.T) {
	d, drv, _ := newTestDriver(t)

	if err := d.Send(0b11000110); err != nil {
		t.Fatalf("Send: %v", err)
	}

	writes := drv.writeCalls()
	if first := writes[0]; first.pin != pinLatch || first.level != gpio.Low {
		t.Errorf("first write should drop latch, got pin=%d level=%v", first.pin, first.level)
	}
	if last := writes[len(writes)-1]; last.pin != pinLatch || last.level != gpio.High {
		t.Errorf("last write should raise latch, got pin=%d level=%v", last.pin, last.level)
	}

	clock := drv.writeCallsForPin(pinClock)
	if len(clock) != 16 {
		t.Fatalf("expected 16 clock writes (8 pulses), got %d", len(clock))
	}
	for i, c := range clock {
		wantLevel := i%2 == 0 // HIGH then LOW
		if bool(c.level) != wantLevel {
			t.Errorf("clock write %d: level %v, want %v", i, c.level, gpio.Level(wantLevel))
		}
	}
	if n := len(drv.writeCallsForPin(pinOE)); n != 0 {
		t.Errorf("Send must not touch output enable, got %d writes", n)
	}
}

func TestSend_AllPatterns(t *testing.T) {
	cases := []struct {
		name    string
		pattern byte
		bits    []int
	}{
		{"stop", 0x00, []int{0, 0, 0, 0, 0, 0, 0, 0}},
		{"all_ones", 0xFF, []int{1, 1, 1, 1, 1, 1, 1, 1}},
		{"msb_only", 0x80, []int{1, 0, 0, 0, 0, 0, 0, 0}},
		{"lsb_only", 0x01, []int{0, 0, 0, 0, 0, 0, 0, 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, drv, _ := newTestDriver(t)
			if err := d.Send(tc.pattern); err != nil {
				t.Fatalf("Send: %v", err)
			}
			if diff := cmp.Diff(tc.bits, drv.dataAtClockEdges()); diff != "" {
				t.Errorf("bits (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSend_RecordsShiftEvent(t *testing.T) {
	d, _, sink := newTestDriver(t)
	_ = d.Send(0b00111001)

	if len(sink.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(sink.events))
	}
	if e := sink.events[0]; e.Kind != telemetry.KindShift || e.Pattern != 0b00111001 {
		t.Errorf("unexpected event %+v", e)
	}
}

func TestSend_WriteErrorAborts(t *testing.T) {
	d, drv, sink := newTestDriver(t)
	drv.failPin = pinClock

	if err := d.Send(0xAA); err == nil {
		t.Fatal("expected error from stuck clock line")
	}
	if len(sink.events) != 0 {
		t.Errorf("failed send must not record a shift, got %v", sink.events)
	}
}

func TestSetOutputsEnabled_ActiveLow(t *testing.T) {
	d, drv, sink := newTestDriver(t)

	if err := d.SetOutputsEnabled(true); err != nil {
		t.Fatalf("SetOutputsEnabled(true): %v", err)
	}
	if err := d.SetOutputsEnabled(false); err != nil {
		t.Fatalf("SetOutputsEnabled(false): %v", err)
	}

	want := []gpioCall{
		{op: "write", pin: pinOE, level: gpio.Low},
		{op: "write", pin: pinOE, level: gpio.High},
	}
	if diff := cmp.Diff(want, drv.writeCalls(), cmp.AllowUnexported(gpioCall{})); diff != "" {
		t.Errorf("OE writes (-want +got):\n%s", diff)
	}
	if len(sink.events) != 2 || !sink.events[0].Enabled || sink.events[1].Enabled {
		t.Errorf("unexpected output events %+v", sink.events)
	}
}

func TestDriver_WithMockGPIO(t *testing.T) {
	mock := gpio.NewMockDriver()
	d, err := New(mock, testConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.Send(0b11011000); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := d.SetOutputsEnabled(true); err != nil {
		t.Fatalf("SetOutputsEnabled: %v", err)
	}
	if lvl, _ := mock.ReadPin(pinLatch); lvl != gpio.High {
		t.Error("latch should be HIGH after a send")
	}
	if lvl, _ := mock.ReadPin(pinOE); lvl != gpio.Low {
		t.Error("OE should be LOW while outputs are enabled")
	}
}
