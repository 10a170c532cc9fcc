// Package protocol defines the JSON envelope carried on every WebSocket
// frame, the channel and message-type vocabulary, and the stable error codes
// returned across the socket boundary. Both the gateway and the broker speak
// in these terms; concrete transports live elsewhere.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Channel scopes envelope routing and broker topics. The set is closed.
type Channel string

const (
	ChannelMetrics   Channel = "metrics"
	ChannelHeartbeat Channel = "heartbeat"
	ChannelLogs      Channel = "logs"
	ChannelTerminal  Channel = "terminal"
	ChannelEvents    Channel = "events"
	ChannelCommands  Channel = "commands"
)

// Valid reports whether c is one of the known channels.
func (c Channel) Valid() bool {
	switch c {
	case ChannelMetrics, ChannelHeartbeat, ChannelLogs, ChannelTerminal, ChannelEvents, ChannelCommands:
		return true
	}
	return false
}

// Message types, the discriminator within a channel.
const (
	TypeMetricsUpdate   = "metrics:update"
	TypeHeartbeatPing   = "heartbeat:ping"
	TypeHeartbeatPong   = "heartbeat:pong"
	TypeLogLine         = "log:line"
	TypeLogBatch        = "log:batch"
	TypeTerminalCreate  = "terminal:create"
	TypeTerminalData    = "terminal:data"
	TypeTerminalResize  = "terminal:resize"
	TypeTerminalClose   = "terminal:close"
	TypeTerminalCreated = "terminal:created"
	TypeTerminalError   = "terminal:error"
	TypeEventInstance   = "event:instance"
	TypeEventAlert      = "event:alert"
	TypeCommandExec     = "command:exec"
	TypeCommandResult   = "command:result"
	TypeSubscribe       = "subscribe"
	TypeError           = "error"
	TypeAck             = "ack"
)

// Error codes carried in error envelopes and on rejected upgrades. These are
// stable tokens the SPA dispatches on; never change an existing value.
const (
	CodeParseError         = "PARSE_ERROR"
	CodeUnknownMessageType = "UNKNOWN_MESSAGE_TYPE"
	CodeNoInstanceID       = "NO_INSTANCE_ID"
	CodeForbidden          = "FORBIDDEN"
	CodeHandlerError       = "HANDLER_ERROR"
	CodeMissingAPIKey      = "MISSING_API_KEY"
	CodeInvalidAPIKey      = "INVALID_API_KEY"
	CodeExpiredAPIKey      = "EXPIRED_API_KEY"
)

// Envelope is the outer wrapper of every frame on the real-time transport.
// InstanceID is server-set: populated from the authenticated principal on
// ingress and preserved on fan-out; clients may omit it inbound. Data is kept
// raw so unknown payload fields survive a parse-serialise round trip.
type Envelope struct {
	Channel       Channel         `json:"channel"`
	Type          string          `json:"type"`
	InstanceID    string          `json:"instanceId,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	TS            int64           `json:"ts"`
	Data          json.RawMessage `json:"data"`
}

// Parse decodes a frame into an Envelope and validates the required fields.
func Parse(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("protocol: malformed envelope: %w", err)
	}
	if env.Channel == "" {
		return nil, fmt.Errorf("protocol: missing channel")
	}
	if env.Type == "" {
		return nil, fmt.Errorf("protocol: missing type")
	}
	if env.TS == 0 {
		return nil, fmt.Errorf("protocol: missing ts")
	}
	if env.Data == nil {
		return nil, fmt.Errorf("protocol: missing data")
	}
	return &env, nil
}

// DecodeData unmarshals the envelope payload into v.
func (e *Envelope) DecodeData(v interface{}) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("protocol: decode %s data: %w", e.Type, err)
	}
	return nil
}

// New builds an envelope with the current wall clock and the given payload.
// Marshalling the payload here keeps callers out of the json package; a
// payload that cannot marshal is a programming error and yields an error
// envelope instead.
func New(channel Channel, msgType, instanceID, correlationID string, data interface{}) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s data: %w", msgType, err)
	}
	return &Envelope{
		Channel:       channel,
		Type:          msgType,
		InstanceID:    instanceID,
		CorrelationID: correlationID,
		TS:            time.Now().UnixMilli(),
		Data:          raw,
	}, nil
}

// NewError builds an error envelope on the events channel, echoing the
// correlation id of the message that caused it when present.
func NewError(code, message, correlationID string) *Envelope {
	env, _ := New(ChannelEvents, TypeError, "", correlationID, ErrorData{Code: code, Message: message})
	return env
}

// NewAck builds an ack envelope echoing the given correlation id.
func NewAck(correlationID string) *Envelope {
	env, _ := New(ChannelEvents, TypeAck, "", correlationID, AckData{OK: true})
	return env
}
