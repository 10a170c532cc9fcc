package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetconsole-io/fleetconsole/internal/db"
	"github.com/fleetconsole-io/fleetconsole/internal/protocol"
)

// dispatchError carries a stable protocol code to surface in the error
// envelope instead of the generic HANDLER_ERROR.
type dispatchError struct {
	code    string
	message string
}

func (e *dispatchError) Error() string { return e.message }

func errForbidden(msg string) error {
	return &dispatchError{code: protocol.CodeForbidden, message: msg}
}

func errNoInstance() error {
	return &dispatchError{code: protocol.CodeNoInstanceID, message: "no instance bound to this connection"}
}

func errBadPayload(err error) error {
	return &dispatchError{code: protocol.CodeParseError, message: err.Error()}
}

// dispatch routes one inbound frame. Errors never close the socket: they are
// serialised into an error envelope and the reader continues.
func (g *Gateway) dispatch(c *Conn, frame []byte) {
	env, err := protocol.Parse(frame)
	if err != nil {
		c.sendEnvelope(protocol.NewError(protocol.CodeParseError, err.Error(), ""))
		return
	}

	if g.stats != nil {
		g.stats.WSMessagesIn.WithLabelValues(string(env.Channel), env.Type).Inc()
	}

	defer func() {
		if r := recover(); r != nil {
			g.log.Error("gateway: handler panic",
				zap.String("conn_id", c.id.String()),
				zap.String("type", env.Type),
				zap.Any("panic", r),
			)
			c.sendEnvelope(protocol.NewError(protocol.CodeHandlerError, "internal handler error", env.CorrelationID))
		}
	}()

	ctx := context.Background()

	switch env.Type {
	case protocol.TypeMetricsUpdate:
		err = g.handleMetricsUpdate(ctx, c, env)
	case protocol.TypeHeartbeatPing:
		err = g.handleHeartbeatPing(ctx, c, env)
	case protocol.TypeLogLine, protocol.TypeLogBatch:
		err = g.handleLog(ctx, c, env)
	case protocol.TypeTerminalCreate, protocol.TypeTerminalData,
		protocol.TypeTerminalResize, protocol.TypeTerminalClose,
		protocol.TypeTerminalCreated, protocol.TypeTerminalError:
		err = g.handleTerminal(ctx, c, env)
	case protocol.TypeEventInstance:
		err = g.handleInstanceEvent(ctx, c, env)
	case protocol.TypeCommandExec:
		err = g.handleCommandExec(ctx, c, env)
	case protocol.TypeCommandResult:
		err = g.handleCommandResult(ctx, c, env)
	case protocol.TypeSubscribe:
		err = g.handleSubscribe(ctx, c, env)
	default:
		err = &dispatchError{
			code:    protocol.CodeUnknownMessageType,
			message: fmt.Sprintf("unknown message type %q", env.Type),
		}
	}

	if err != nil {
		if de, ok := err.(*dispatchError); ok {
			c.sendEnvelope(protocol.NewError(de.code, de.message, env.CorrelationID))
			return
		}
		g.log.Error("gateway: handler error",
			zap.String("conn_id", c.id.String()),
			zap.String("type", env.Type),
			zap.String("correlation_id", env.CorrelationID),
			zap.Error(err),
		)
		c.sendEnvelope(protocol.NewError(protocol.CodeHandlerError, "internal handler error", env.CorrelationID))
	}
}

// publish stamps the envelope with the authoritative instance id and fans it
// out on the broker.
func (g *Gateway) publish(ctx context.Context, env *protocol.Envelope, instanceID string) error {
	env.InstanceID = instanceID
	frame, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("gateway: marshal for publish: %w", err)
	}
	return g.broker.Publish(ctx, env.Channel, instanceID, frame)
}

func (g *Gateway) handleMetricsUpdate(ctx context.Context, c *Conn, env *protocol.Envelope) error {
	if !c.principal.IsAgent() {
		return errNoInstance()
	}

	var data protocol.MetricsUpdateData
	if err := env.DecodeData(&data); err != nil {
		return errBadPayload(err)
	}
	if data.CPUPercent < 0 || data.MemoryUsed < 0 || data.MemoryTotal < 0 ||
		data.DiskUsed < 0 || data.DiskTotal < 0 ||
		data.NetworkBytesIn < 0 || data.NetworkBytesOut < 0 {
		return errBadPayload(fmt.Errorf("metrics fields must be non-negative"))
	}

	instanceID, err := uuid.Parse(c.principal.InstanceID)
	if err != nil {
		return errNoInstance()
	}

	metric := &db.Metric{
		InstanceID:   instanceID,
		Timestamp:    time.UnixMilli(env.TS),
		CPUPercent:   data.CPUPercent,
		MemUsed:      data.MemoryUsed,
		MemTotal:     data.MemoryTotal,
		DiskUsed:     data.DiskUsed,
		DiskTotal:    data.DiskTotal,
		LoadAvg1:     data.LoadAvg[0],
		LoadAvg5:     data.LoadAvg[1],
		LoadAvg15:    data.LoadAvg[2],
		NetBytesSent: data.NetworkBytesOut,
		NetBytesRecv: data.NetworkBytesIn,
		ProcessCount: data.ProcessCount,
		UptimeSec:    data.Uptime,
	}
	if err := g.metricRepo.Create(ctx, metric); err != nil {
		return err
	}

	return g.publish(ctx, env, c.principal.InstanceID)
}

func (g *Gateway) handleHeartbeatPing(ctx context.Context, c *Conn, env *protocol.Envelope) error {
	if !c.principal.IsAgent() {
		return errNoInstance()
	}

	var data protocol.HeartbeatPingData
	if err := env.DecodeData(&data); err != nil {
		return errBadPayload(err)
	}

	instanceID, err := uuid.Parse(c.principal.InstanceID)
	if err != nil {
		return errNoInstance()
	}

	hb := &db.Heartbeat{
		InstanceID:   instanceID,
		Timestamp:    time.UnixMilli(env.TS),
		AgentVersion: data.AgentVersion,
		UptimeSec:    data.Uptime,
	}
	if err := g.hbRepo.Create(ctx, hb); err != nil {
		return err
	}

	pong, err := protocol.New(protocol.ChannelHeartbeat, protocol.TypeHeartbeatPong,
		c.principal.InstanceID, env.CorrelationID, protocol.HeartbeatPongData{OK: true})
	if err != nil {
		return err
	}
	c.sendEnvelope(pong)

	// Browsers watching the heartbeat channel use the pong as last-seen.
	return g.publish(ctx, pong, c.principal.InstanceID)
}

// handleLog fans log lines out without persisting them; log storage is the
// log pipeline's concern, not the control plane's.
func (g *Gateway) handleLog(ctx context.Context, c *Conn, env *protocol.Envelope) error {
	if !c.principal.IsAgent() {
		return errNoInstance()
	}
	return g.publish(ctx, env, c.principal.InstanceID)
}

// handleTerminal routes terminal traffic bidirectionally through the broker:
// browser keystrokes reach the agent's subscription, agent output reaches the
// browser's.
func (g *Gateway) handleTerminal(ctx context.Context, c *Conn, env *protocol.Envelope) error {
	instanceID := c.principal.InstanceID
	if !c.principal.IsAgent() {
		if !c.principal.CanOperateTerminal() {
			return errForbidden("terminal access requires OPERATOR role or above")
		}
		instanceID = env.InstanceID
		if instanceID == "" {
			return errNoInstance()
		}
	}
	return g.publish(ctx, env, instanceID)
}

func (g *Gateway) handleInstanceEvent(ctx context.Context, c *Conn, env *protocol.Envelope) error {
	if !c.principal.IsAgent() {
		return errNoInstance()
	}

	var data protocol.InstanceEventData
	if err := env.DecodeData(&data); err != nil {
		return errBadPayload(err)
	}
	if data.EventType == "" {
		return errBadPayload(fmt.Errorf("eventType is required"))
	}

	instanceID, err := uuid.Parse(c.principal.InstanceID)
	if err != nil {
		return errNoInstance()
	}

	metadata := "{}"
	if data.Metadata != nil {
		raw, err := json.Marshal(data.Metadata)
		if err != nil {
			return errBadPayload(err)
		}
		metadata = string(raw)
	}

	event := &db.InstanceEvent{
		InstanceID: instanceID,
		EventType:  data.EventType,
		Metadata:   metadata,
		OccurredAt: time.UnixMilli(env.TS),
	}
	if err := g.eventRepo.Create(ctx, event); err != nil {
		return err
	}

	return g.publish(ctx, env, c.principal.InstanceID)
}

func (g *Gateway) handleCommandExec(ctx context.Context, c *Conn, env *protocol.Envelope) error {
	if c.principal.IsAgent() {
		return errForbidden("agents cannot dispatch commands")
	}
	if !c.principal.CanDispatchCommands() {
		return errForbidden("VIEWER role cannot dispatch commands")
	}

	var data protocol.CommandExecData
	if err := env.DecodeData(&data); err != nil {
		return errBadPayload(err)
	}
	if data.Command == "" {
		return errBadPayload(fmt.Errorf("command is required"))
	}
	if env.InstanceID == "" {
		return errNoInstance()
	}

	return g.publish(ctx, env, env.InstanceID)
}

func (g *Gateway) handleCommandResult(ctx context.Context, c *Conn, env *protocol.Envelope) error {
	if !c.principal.IsAgent() {
		return errNoInstance()
	}
	return g.publish(ctx, env, c.principal.InstanceID)
}

// handleSubscribe attaches a broker subscription to this socket. Every
// message published on the subscribed key is forwarded verbatim; the
// subscription is released when the connection closes.
func (g *Gateway) handleSubscribe(ctx context.Context, c *Conn, env *protocol.Envelope) error {
	var data protocol.SubscribeData
	if err := env.DecodeData(&data); err != nil {
		return errBadPayload(err)
	}
	if !data.Channel.Valid() {
		return errBadPayload(fmt.Errorf("unknown channel %q", data.Channel))
	}
	if data.InstanceID == "" {
		return errNoInstance()
	}

	unsub, err := g.broker.Subscribe(ctx, data.Channel, data.InstanceID, func(payload []byte) {
		c.sendRaw(payload)
	})
	if err != nil {
		return err
	}
	c.addSubscription(unsub)

	c.sendEnvelope(protocol.NewAck(env.CorrelationID))
	return nil
}
