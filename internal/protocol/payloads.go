package protocol

// Per-type payload shapes for the data field of an envelope. Numeric fields
// mirror what agents report; byte counters are cumulative since agent start.

// MetricsUpdateData is the payload of metrics:update.
type MetricsUpdateData struct {
	CPUPercent      float64    `json:"cpuPercent"`
	MemoryUsed      int64      `json:"memoryUsed"`
	MemoryTotal     int64      `json:"memoryTotal"`
	DiskUsed        int64      `json:"diskUsed"`
	DiskTotal       int64      `json:"diskTotal"`
	Uptime          int64      `json:"uptime"` // seconds
	LoadAvg         [3]float64 `json:"loadAvg"`
	NetworkBytesIn  int64      `json:"networkBytesIn"`
	NetworkBytesOut int64      `json:"networkBytesOut"`
	ProcessCount    int        `json:"processCount"`
}

// HeartbeatPingData is the payload of heartbeat:ping.
type HeartbeatPingData struct {
	AgentVersion string `json:"agentVersion"`
	Uptime       int64  `json:"uptime"` // seconds
}

// HeartbeatPongData is the payload of heartbeat:pong.
type HeartbeatPongData struct {
	OK bool `json:"ok"`
}

// LogLineData is the payload of log:line and each element of log:batch.
type LogLineData struct {
	Level   string `json:"level"` // "debug", "info", "warn", "error"
	Message string `json:"message"`
	Source  string `json:"source"`
	TS      int64  `json:"ts"`
}

// LogBatchData is the payload of log:batch.
type LogBatchData struct {
	Lines []LogLineData `json:"lines"`
}

// TerminalCreateData is the payload of terminal:create.
type TerminalCreateData struct {
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
	Shell     string `json:"shell,omitempty"`
}

// TerminalDataData is the payload of terminal:data. Data is base64.
type TerminalDataData struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

// TerminalResizeData is the payload of terminal:resize.
type TerminalResizeData struct {
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

// TerminalCloseData is the payload of terminal:close.
type TerminalCloseData struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

// InstanceEventData is the payload of event:instance.
type InstanceEventData struct {
	EventType string                 `json:"eventType"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// CommandExecData is the payload of command:exec.
type CommandExecData struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Timeout int64             `json:"timeout,omitempty"` // milliseconds
}

// CommandResultData is the payload of command:result.
type CommandResultData struct {
	ExitCode   int    `json:"exitCode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"durationMs"`
}

// SubscribeData is the payload of subscribe, sent by browser clients to
// attach a broker subscription to their socket.
type SubscribeData struct {
	Channel    Channel `json:"channel"`
	InstanceID string  `json:"instanceId"`
}

// ErrorData is the payload of error envelopes.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AckData is the payload of ack envelopes.
type AckData struct {
	OK bool `json:"ok"`
}
