package pushchannel

import (
	"encoding/json"
	"time"
)

// Event types the service is known to emit. Legacy flat variants of the
// status events still arrive from older service builds; the state store's
// adapters normalize them.
const (
	TypeJobStarted       = "job_started"
	TypeJobStatusUpdate  = "job_status_update"
	TypeJobComplete      = "job_complete"
	TypeQueueStateUpdate = "queue_state_update"
	TypeWorkerUpdate     = "worker_state_update"
	TypeConnected        = "connected"
	TypeDisconnected     = "disconnected"
)

// Event is one parsed envelope off the service's stream, stamped with the
// local receipt time.
type Event struct {
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  time.Time       `json:"timestamp"`
	ReceivedAt time.Time       `json:"received_at"`
}
