package quickpulse

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultEndpoint is the live metrics service base URL.
const DefaultEndpoint = "https://rt.services.visualstudio.com/QuickPulseService.svc"

const (
	invariantVersion = 1

	// ticksAtUnixEpoch is 1970-01-01 expressed in 100ns ticks since 0001-01-01.
	ticksAtUnixEpoch = 621355968000000000
)

var liveRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ocp_live_requests_total",
		Help: "Total number of live metrics ping and post calls by resulting status",
	},
	[]string{"verb", "status"},
)

func init() {
	prometheus.MustRegister(liveRequestsTotal)
}

// Identity names this process to the live metrics service.
type Identity struct {
	InstrumentationKey string
	StreamID           string
	MachineName        string
	RoleName           string
	InstanceName       string
	Version            string
}

// TransmissionTicks converts t to 100ns ticks since 0001-01-01 UTC.
func TransmissionTicks(t time.Time) int64 {
	return t.UnixNano()/100 + ticksAtUnixEpoch
}

func serviceURL(base, redirect, verb, ikey string) string {
	if redirect != "" {
		base = redirect
	}
	return strings.TrimRight(base, "/") + "/" + verb + "?ikey=" + url.QueryEscape(ikey)
}

// call POSTs body to {base}/{verb}?ikey=... with the identity headers and
// parses the response headers.
func call(ctx context.Context, client *http.Client, base, redirect, verb string, id Identity, now time.Time, body []byte) HeaderInfo {
	info := doCall(ctx, client, serviceURL(base, redirect, verb, id.InstrumentationKey), id, now, body)
	liveRequestsTotal.WithLabelValues(verb, info.Status.String()).Inc()
	return info
}

func doCall(ctx context.Context, client *http.Client, target string, id Identity, now time.Time, body []byte) HeaderInfo {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return HeaderInfo{Status: StatusError}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerTransmissionTime, strconv.FormatInt(TransmissionTicks(now), 10))
	req.Header.Set(headerStreamID, id.StreamID)
	req.Header.Set(headerMachineName, id.MachineName)
	req.Header.Set(headerRoleName, id.RoleName)
	req.Header.Set(headerInstanceName, id.InstanceName)
	req.Header.Set(headerInvariantVersion, strconv.Itoa(invariantVersion))

	resp, err := client.Do(req)
	if err != nil {
		return parseHeaderInfo(nil, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return parseHeaderInfo(resp, nil)
}

// Envelope is the JSON document sent with every ping and post.
type Envelope struct {
	Documents          []any    `json:"Documents"`
	Instance           string   `json:"Instance"`
	InstrumentationKey string   `json:"InstrumentationKey"`
	InvariantVersion   int      `json:"InvariantVersion"`
	MachineName        string   `json:"MachineName"`
	RoleName           string   `json:"RoleName"`
	Metrics            []Metric `json:"Metrics"`
	StreamID           string   `json:"StreamId"`
	Timestamp          string   `json:"Timestamp"`
	Version            string   `json:"Version"`
}

type Metric struct {
	Name   string  `json:"Name"`
	Value  float64 `json:"Value"`
	Weight int     `json:"Weight"`
}

func newEnvelope(id Identity, now time.Time, metrics []Metric) Envelope {
	return Envelope{
		Instance:           id.InstanceName,
		InstrumentationKey: id.InstrumentationKey,
		InvariantVersion:   invariantVersion,
		MachineName:        id.MachineName,
		RoleName:           id.RoleName,
		Metrics:            metrics,
		StreamID:           id.StreamID,
		Timestamp:          fmt.Sprintf("/Date(%d)/", now.UnixMilli()),
		Version:            id.Version,
	}
}
