package protocol

// CommandEnvelope is the sparse command payload a client sends. Every field
// is optional; absent fields must not alter controller state. JSON key names
// are a compatibility contract with existing UIs and must not change.
type CommandEnvelope struct {
	Setpoints   *Setpoints    `json:"setpoints,omitempty"`
	Energies    *Energies     `json:"energies,omitempty"`
	Motion      *Motion       `json:"motion,omitempty"`
	Mode        *int          `json:"modo,omitempty"`
	Calibration *Calibration  `json:"calibration,omitempty"`
	PIDSettings *PIDSettings  `json:"pid_settings,omitempty"`
	Flow        *FlowSettings `json:"flow,omitempty"`

	// One-shot flags, consumed by a single frame.
	Execute     bool `json:"execute,omitempty"` // raise the pump-execute trigger
	ResetVolume bool `json:"reset_volumen,omitempty"`
	ResetX      bool `json:"reset_x,omitempty"`
	ResetA      bool `json:"reset_a,omitempty"`
}

// Setpoints carries absolute position/volume targets.
type Setpoints struct {
	XMM       *float64 `json:"x_mm,omitempty"`
	ADeg      *float64 `json:"a_deg,omitempty"`
	ZMM       *float64 `json:"z_mm,omitempty"`
	ServoZDeg *float64 `json:"servo_z_deg,omitempty"`
	VolumeML  *float64 `json:"volumen_ml,omitempty"`
}

// Energies carries manual per-actuator power, -255..255.
type Energies struct {
	X     *int `json:"x,omitempty"`
	A     *int `json:"a,omitempty"`
	Bomba *int `json:"bomba,omitempty"`
}

// Motion carries auxiliary motion parameters.
type Motion struct {
	ZSpeedDegS *float64 `json:"z_speed_deg_s,omitempty"`
}

// Calibration carries controller calibration constants.
type Calibration struct {
	StepsMM  *float64 `json:"steps_mm,omitempty"`
	StepsDeg *float64 `json:"steps_deg,omitempty"`
}

// PIDSettings carries per-axis PID gains.
type PIDSettings struct {
	PIDX *PIDGains `json:"pidX,omitempty"`
	PIDA *PIDGains `json:"pidA,omitempty"`
}

// PIDGains holds one axis' gains. Nil members leave the gain unchanged.
type PIDGains struct {
	Kp *float64 `json:"kp,omitempty"`
	Ki *float64 `json:"ki,omitempty"`
	Kd *float64 `json:"kd,omitempty"`
}

// FlowSettings carries pump/flow configuration.
type FlowSettings struct {
	UseSensor      *bool    `json:"usar_sensor_flujo,omitempty"`
	PumpRateMLs    *float64 `json:"caudal_bomba_mls,omitempty"`
	DeadbandEnergy *int     `json:"deadband_energy,omitempty"`
	FlowTargetMLs  *float64 `json:"flow_target_mls,omitempty"`
}

// IsZero reports whether the envelope carries nothing at all.
func (e *CommandEnvelope) IsZero() bool {
	return e.Setpoints == nil && e.Energies == nil && e.Motion == nil &&
		e.Mode == nil && e.Calibration == nil && e.PIDSettings == nil &&
		e.Flow == nil && !e.Execute && !e.ResetVolume && !e.ResetX && !e.ResetA
}

// AckBody is the acknowledgement payload for one applied envelope. It
// mirrors the applied state plus a status discriminator.
type AckBody struct {
	Status   string          `json:"status"` // "ok" or "error"
	Error    string          `json:"error,omitempty"`
	Applied  []string        `json:"applied,omitempty"` // envelope groups applied, in order
	Snapshot *StatusSnapshot `json:"snapshot,omitempty"`
}

// OK reports whether the ack carries a success status.
func (a *AckBody) OK() bool {
	return a.Status == "ok"
}
