// Package bus carries metadata change notifications between instances so
// gateway tables, env vars and network policies propagate without polling.
package bus

import (
	"context"
	"encoding/json"
)

// Channel names. The metadata store publishes on these; every instance
// subscribes to both.
const (
	ChannelGateway   = "gateway_invalidated"
	ChannelExecution = "execution_cache_invalidated"
)

// Tables referenced by events.
const (
	TableGatewayConfigs  = "gateway_configs"
	TableRoutes          = "routes"
	TableRouteSettings   = "route_settings"
	TableAuthMethods     = "auth_methods"
	TableFunctionEnvVars = "function_environment_variables"
	TableProjectPolicies = "project_network_policies"
	TableGlobalPolicies  = "global_network_policies"
	TableFunctionVersions = "function_versions"
	TableFunctions        = "functions"
)

// Event is one typed change notification.
type Event struct {
	Channel    string `json:"-"`
	Table      string `json:"table"`
	Action     string `json:"action"` // insert, update, delete
	FunctionID string `json:"function_id,omitempty"`
	ProjectID  string `json:"project_id,omitempty"`
}

// Encode serializes the event payload (channel travels out of band).
func (e Event) Encode() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Decode parses a payload received on channel.
func Decode(channel string, payload []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return Event{}, err
	}
	e.Channel = channel
	return e, nil
}

// Handler consumes events. OnReconnect fires after the subscriber
// re-establishes a dropped connection; implementations must flush all caches
// there to close the gap from missed events.
type Handler interface {
	OnEvent(e Event)
	OnReconnect()
}

// Bus publishes and subscribes to invalidation events.
type Bus interface {
	Publish(ctx context.Context, e Event) error
	// Subscribe delivers events to h until ctx is cancelled. It manages its
	// own connection and reconnects with exponential backoff.
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

// HandlerFuncs adapts plain functions to Handler.
type HandlerFuncs struct {
	Event     func(e Event)
	Reconnect func()
}

func (h HandlerFuncs) OnEvent(e Event) {
	if h.Event != nil {
		h.Event(e)
	}
}

func (h HandlerFuncs) OnReconnect() {
	if h.Reconnect != nil {
		h.Reconnect()
	}
}
