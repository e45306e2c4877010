package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/authsentry/authsentry/internal/model"
)

// SubjectIncidentsCreated carries newly created or reopened incidents.
const SubjectIncidentsCreated = "incidents.created"

// IncidentPublisher pushes incidents onto NATS for downstream consumers
// (SOAR hooks, notification fan-out). A nil connection disables
// publishing entirely; the pipeline never depends on the bus.
type IncidentPublisher struct {
	natsConn *nats.Conn
	logger   *slog.Logger
}

// NewIncidentPublisher creates a publisher. natsConn may be nil.
func NewIncidentPublisher(natsConn *nats.Conn, logger *slog.Logger) *IncidentPublisher {
	return &IncidentPublisher{natsConn: natsConn, logger: logger}
}

// Enabled reports whether a live connection is configured.
func (p *IncidentPublisher) Enabled() bool {
	return p.natsConn != nil && p.natsConn.IsConnected()
}

// PublishCreated publishes one created or reopened incident. Publish
// failures are logged, never propagated: the registry commit already
// happened and the bus is best-effort.
func (p *IncidentPublisher) PublishCreated(incident model.Incident) {
	if !p.Enabled() {
		return
	}
	if err := p.publish(incident); err != nil {
		p.logger.Warn("Incident publish failed",
			"incident_id", incident.IncidentID,
			"error", err)
	}
}

func (p *IncidentPublisher) publish(incident model.Incident) error {
	data, err := json.Marshal(incident)
	if err != nil {
		return fmt.Errorf("marshal incident: %w", err)
	}

	headers := nats.Header{}
	headers.Set("x-incident-id", incident.IncidentID)
	headers.Set("x-incident-type", incident.Type)
	headers.Set("x-severity", incident.Severity)

	msg := &nats.Msg{
		Subject: SubjectIncidentsCreated,
		Data:    data,
		Header:  headers,
	}
	if err := p.natsConn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish incident: %w", err)
	}

	p.logger.Info("Published incident",
		"incident_id", incident.IncidentID,
		"type", incident.Type,
		"severity", incident.Severity,
		"subject", SubjectIncidentsCreated)
	return nil
}
