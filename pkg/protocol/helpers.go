package protocol

// =============================================================================
// Helper functions for creating messages
// =============================================================================

// NewCommandMessage wraps a sparse envelope for the control channel.
func NewCommandMessage(env *CommandEnvelope) (*Message, error) {
	return NewMessage(TypeCommand, env)
}

// NewAckMessage creates a success acknowledgement mirroring applied state.
func NewAckMessage(applied []string, snapshot *StatusSnapshot) (*Message, error) {
	return NewMessage(TypeControlAck, AckBody{
		Status:   "ok",
		Applied:  applied,
		Snapshot: snapshot,
	})
}

// NewErrorAckMessage creates a failure acknowledgement with the reason.
func NewErrorAckMessage(reason string) (*Message, error) {
	return NewMessage(TypeControlAck, AckBody{
		Status: "error",
		Error:  reason,
	})
}

// NewControlReadyMessage announces an accepted control connection.
func NewControlReadyMessage(robotID, kind string) (*Message, error) {
	return NewMessage(TypeControlReady, ReadyData{
		RobotID: robotID,
		Kind:    kind,
	})
}

// NewTelemetryReadyMessage announces an accepted telemetry connection.
func NewTelemetryReadyMessage(robotID string, intervalS float64) (*Message, error) {
	return NewMessage(TypeTelemetryReady, ReadyData{
		RobotID:   robotID,
		IntervalS: intervalS,
	})
}

// NewTelemetryMessage wraps one status snapshot broadcast.
func NewTelemetryMessage(snapshot *StatusSnapshot) (*Message, error) {
	return NewMessage(TypeTelemetry, snapshot)
}

// NewRobotsStatusMessage wraps the hub's fleet aggregate.
func NewRobotsStatusMessage(robots []RobotStatusEntry) (*Message, error) {
	return NewMessage(TypeRobotsStatus, RobotsStatusData{Robots: robots})
}

// NewPingMessage creates a ping message
func NewPingMessage(id string) (*Message, error) {
	return NewMessage(TypePing, PingData{
		ID:        id,
		Timestamp: 0, // Will be set by NewMessage
	})
}

// NewPongMessage creates a pong response message
func NewPongMessage(id string, pingTS, pongTS int64) (*Message, error) {
	return NewMessage(TypePong, PongData{
		ID:        id,
		PingTS:    pingTS,
		PongTS:    pongTS,
		LatencyMs: pongTS - pingTS,
	})
}

// =============================================================================
// Helper functions for parsing messages
// =============================================================================

// GetCommandEnvelope extracts the sparse envelope from a command message.
func (m *Message) GetCommandEnvelope() (*CommandEnvelope, error) {
	var data CommandEnvelope
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetAckBody extracts the acknowledgement payload.
func (m *Message) GetAckBody() (*AckBody, error) {
	var data AckBody
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetReadyData extracts a channel readiness announcement.
func (m *Message) GetReadyData() (*ReadyData, error) {
	var data ReadyData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetStatusSnapshot extracts a telemetry snapshot.
func (m *Message) GetStatusSnapshot() (*StatusSnapshot, error) {
	var data StatusSnapshot
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetRobotsStatus extracts the hub's fleet aggregate.
func (m *Message) GetRobotsStatus() (*RobotsStatusData, error) {
	var data RobotsStatusData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetPingData extracts ping data from a message
func (m *Message) GetPingData() (*PingData, error) {
	var data PingData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetPongData extracts pong data from a message
func (m *Message) GetPongData() (*PongData, error) {
	var data PongData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}
