package quickpulse

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
)

const defaultRequestTimeout = 5 * time.Second

// NewIdentity fills the machine name from the host and a random stream id.
func NewIdentity(instrumentationKey, roleName, instanceName, version string) Identity {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	if instanceName == "" {
		instanceName = host
	}
	return Identity{
		InstrumentationKey: instrumentationKey,
		StreamID:           uuid.NewString(),
		MachineName:        host,
		RoleName:           roleName,
		InstanceName:       instanceName,
		Version:            version,
	}
}

type PingSender struct {
	client   *http.Client
	endpoint string
	id       Identity
	logger   *slog.Logger
	now      func() time.Time
}

func NewPingSender(client *http.Client, endpoint string, id Identity, logger *slog.Logger) *PingSender {
	if client == nil {
		client = &http.Client{Timeout: defaultRequestTimeout}
	}
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PingSender{client: client, endpoint: endpoint, id: id, logger: logger, now: time.Now}
}

// Ping announces this stream to the service. redirect, when non-empty,
// replaces the configured endpoint.
func (p *PingSender) Ping(ctx context.Context, redirect string) HeaderInfo {
	now := p.now()
	body, err := json.Marshal(newEnvelope(p.id, now, nil))
	if err != nil {
		p.logger.Warn("encode live metrics ping failed", "error", err)
		return HeaderInfo{Status: StatusError}
	}
	info := call(ctx, p.client, p.endpoint, redirect, "ping", p.id, now, body)
	if info.Status == StatusError {
		p.logger.Debug("live metrics ping failed", "endpoint", serviceURL(p.endpoint, redirect, "ping", p.id.InstrumentationKey))
	}
	return info
}
