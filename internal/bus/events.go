package bus

// Request lifecycle topics.
const (
	TopicRequestSubmitted  = "request.submitted"
	TopicRequestDispatched = "request.dispatched"
	TopicRequestCompleted  = "request.completed"
	TopicRequestFailed     = "request.failed"
)

// Mode and host session topics.
const (
	TopicModeChanged      = "mode.changed"
	TopicHostReady        = "host.ready"
	TopicHostDisconnected = "host.disconnected"
)

// RequestEvent describes a ledger transition for one pending request.
type RequestEvent struct {
	RequestID string `json:"request_id"`
	Endpoint  string `json:"endpoint"`
	Attempt   int    `json:"attempt,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ModeEvent is published when the arbiter settles on a bridge mode.
type ModeEvent struct {
	Mode       string `json:"mode"`
	Port       int    `json:"port,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
}

// HostEvent is published when the host poller announces a session change.
type HostEvent struct {
	Cleared int `json:"cleared"`
}
