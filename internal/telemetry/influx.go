package telemetry

import (
	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"

	"github.com/shiftbot/shiftbot/internal/debug"
)

// InfluxConfig selects the bucket drive events are written to.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// InfluxSink writes every event as a point through the non-blocking write API.
// Points are batched by the client; Record never waits on the network.
type InfluxSink struct {
	client   influxdb2.Client
	writeApi api.WriteApi
}

// NewInfluxSink connects lazily: nothing is sent until the first batch flushes.
func NewInfluxSink(cfg InfluxConfig) *InfluxSink {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	writeApi := client.WriteApi(cfg.Org, cfg.Bucket)
	go func() {
		for err := range writeApi.Errors() {
			debug.Warn("influx write: %v", err)
		}
	}()
	return &InfluxSink{client: client, writeApi: writeApi}
}

func (s *InfluxSink) Record(e Event) {
	tags := map[string]string{"kind": e.Kind.String()}
	if e.Direction != "" {
		tags["direction"] = e.Direction
	}
	fields := map[string]interface{}{"count": 1}
	switch e.Kind {
	case KindShift:
		fields["pattern"] = int(e.Pattern)
	case KindOutputs:
		fields["enabled"] = e.Enabled
	case KindQueued, KindStarted:
		fields["command_id"] = int64(e.CommandID)
		fields["duration_s"] = e.Duration.Seconds()
	case KindFinished:
		fields["command_id"] = int64(e.CommandID)
		fields["failed"] = e.Err != nil
	case KindKey:
		fields["key"] = e.Key
	case KindRejected:
		fields["reason"] = e.Reason
	}
	s.writeApi.WritePoint(influxdb2.NewPoint("shiftbot.actuator", tags, fields, e.Time))
}

// Close flushes pending points and releases the client.
func (s *InfluxSink) Close() {
	s.writeApi.Flush()
	s.client.Close()
}
