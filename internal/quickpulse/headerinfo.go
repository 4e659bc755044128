package quickpulse

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	headerSubscribed       = "x-ms-qps-subscribed"
	headerRedirect         = "x-ms-qps-service-endpoint-redirect-v2"
	headerPollingHint      = "x-ms-qps-service-polling-interval-hint"
	headerStreamID         = "x-ms-qps-stream-id"
	headerMachineName      = "x-ms-qps-machine-name"
	headerRoleName         = "x-ms-qps-role-name"
	headerInstanceName     = "x-ms-qps-instance-name"
	headerInvariantVersion = "x-ms-qps-invariant-version"
	headerTransmissionTime = "x-ms-qps-transmission-time"
)

type Status int

const (
	StatusUnknown Status = iota
	StatusOn
	StatusOff
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOn:
		return "on"
	case StatusOff:
		return "off"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// HeaderInfo is what the service told us in response to one ping or post.
type HeaderInfo struct {
	Status           Status
	RedirectEndpoint string
	PollingInterval  time.Duration
}

// parseHeaderInfo maps a finished request to a HeaderInfo. A transport error
// or a non-2xx status is StatusError. An absent subscription header is
// StatusOff; a value other than true or false is StatusUnknown.
func parseHeaderInfo(resp *http.Response, err error) HeaderInfo {
	if err != nil || resp == nil {
		return HeaderInfo{Status: StatusError}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return HeaderInfo{Status: StatusError}
	}

	info := HeaderInfo{Status: StatusOff}
	if v := resp.Header.Get(headerSubscribed); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true":
			info.Status = StatusOn
		case "false":
			info.Status = StatusOff
		default:
			info.Status = StatusUnknown
		}
	}
	info.RedirectEndpoint = strings.TrimSpace(resp.Header.Get(headerRedirect))
	if v := resp.Header.Get(headerPollingHint); v != "" {
		if ms, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil && ms > 0 {
			info.PollingInterval = time.Duration(ms) * time.Millisecond
		}
	}
	return info
}
