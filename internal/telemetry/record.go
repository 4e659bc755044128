package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrMissingTime = errors.New("telemetry record has no timestamp")

type Kind string

const (
	KindRequest    Kind = "request"
	KindDependency Kind = "dependency"
	KindException  Kind = "exception"
	KindMessage    Kind = "message"
	KindMetric     Kind = "metric"
	KindEvent      Kind = "event"
)

// baseTypes maps a kind to the envelope baseType expected by the ingestion service.
var baseTypes = map[Kind]string{
	KindRequest:    "RequestData",
	KindDependency: "RemoteDependencyData",
	KindException:  "ExceptionData",
	KindMessage:    "MessageData",
	KindMetric:     "MetricData",
	KindEvent:      "EventData",
}

// Record is one unit of telemetry. The pipeline treats it as opaque once
// enqueued: only Time, Kind, Duration, Success and InstrumentationKey are
// read, by validation and by the live metrics collector.
type Record struct {
	Name               string
	Time               time.Time
	InstrumentationKey string
	Kind               Kind
	Tags               map[string]string
	Duration           time.Duration
	Success            bool
	Properties         map[string]string
	Data               json.RawMessage
}

func (r Record) Validate() error {
	if r.Time.IsZero() {
		return ErrMissingTime
	}
	return nil
}

type envelope struct {
	Name string            `json:"name"`
	Time string            `json:"time"`
	IKey string            `json:"iKey,omitempty"`
	Tags map[string]string `json:"tags,omitempty"`
	Data envelopeData      `json:"data"`
}

type envelopeData struct {
	BaseType string          `json:"baseType"`
	BaseData json.RawMessage `json:"baseData"`
}

type baseData struct {
	Ver        int               `json:"ver"`
	Name       string            `json:"name,omitempty"`
	Duration   string            `json:"duration,omitempty"`
	Success    *bool             `json:"success,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

func (r Record) MarshalJSON() ([]byte, error) {
	data := r.Data
	if len(data) == 0 {
		bd := baseData{Ver: 2, Name: r.Name, Properties: r.Properties}
		if r.Kind == KindRequest || r.Kind == KindDependency {
			success := r.Success
			bd.Success = &success
			bd.Duration = FormatDuration(r.Duration)
		}
		raw, err := json.Marshal(bd)
		if err != nil {
			return nil, err
		}
		data = raw
	}
	baseType, ok := baseTypes[r.Kind]
	if !ok {
		baseType = baseTypes[KindEvent]
	}
	return json.Marshal(envelope{
		Name: r.Name,
		Time: r.Time.UTC().Format(time.RFC3339Nano),
		IKey: r.InstrumentationKey,
		Tags: r.Tags,
		Data: envelopeData{BaseType: baseType, BaseData: data},
	})
}

// FormatDuration renders d as d.hh:mm:ss.ffffff, the timespan format used by
// request and dependency payloads.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	d -= s * time.Second
	return fmt.Sprintf("%d.%02d:%02d:%02d.%06d", days, h, m, s, d/time.Microsecond)
}
