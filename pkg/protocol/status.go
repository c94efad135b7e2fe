package protocol

// EnergyState reports the power currently commanded per actuator.
type EnergyState struct {
	X     int `json:"x"`
	A     int `json:"a"`
	Bomba int `json:"bomba"`
}

// StatusSnapshot is the authoritative, immutable-per-tick view of one robot.
// It is replaced wholesale on every decode cycle and never partially
// mutated. JSON key names are a compatibility contract with existing UIs.
type StatusSnapshot struct {
	RobotID    string `json:"robot_id"`
	RobotLabel string `json:"robot_label,omitempty"`
	RobotKind  string `json:"robot_kind,omitempty"`

	// Position
	XMM       float64 `json:"x_mm"`
	ADeg      float64 `json:"a_deg"`
	ZMM       float64 `json:"z_mm"`
	ServoZDeg float64 `json:"servo_z_deg"`

	// Volumetric state
	VolumeML         float64 `json:"volumen_ml"`
	TargetVolML      float64 `json:"volumen_objetivo_ml"`
	RemainingML      float64 `json:"volumen_restante_ml"`
	FlowEstMLs       float64 `json:"caudal_est_mls"`
	FlowTargetEstMLs float64 `json:"flow_target_est_mls"`
	FlowEstimated    bool    `json:"flow_est"` // estimator currently overriding volume
	ObjectivePending bool    `json:"objective_pending"`
	Running          bool    `json:"running"`

	// Controller state
	Mode     int         `json:"modo"`
	Energies EnergyState `json:"energies"`
	LimitX   bool        `json:"lim_x"`
	LimitA   bool        `json:"lim_a"`
	HomingX  bool        `json:"homing_x"`
	HomingA  bool        `json:"homing_a"`

	// Link state
	SerialOpen bool   `json:"serial_open"`
	SerialPort string `json:"serial_port"`
	Baudrate   int    `json:"baudrate"`
	IsVirtual  bool   `json:"is_virtual"`
	Stale      bool   `json:"stale"`
	RxAgeMs    int64  `json:"rx_age_ms"`

	// Calibration
	KpX           float64 `json:"kpX"`
	KiX           float64 `json:"kiX"`
	KdX           float64 `json:"kdX"`
	KpA           float64 `json:"kpA"`
	KiA           float64 `json:"kiA"`
	KdA           float64 `json:"kdA"`
	StepsPerMM    float64 `json:"pasosPorMM"`
	StepsPerDeg   float64 `json:"pasosPorGrado"`
	UseFlowSensor bool    `json:"usarSensorFlujo"`
	PumpRateMLs   float64 `json:"caudalBombaMLs"`

	Timestamp int64 `json:"ts"` // Unix milliseconds
}

// RobotStatusEntry is one robot's row in the hub's aggregate broadcast.
type RobotStatusEntry struct {
	ID       string          `json:"id"`
	Label    string          `json:"label"`
	BaseURL  string          `json:"base_url"`
	Kind     string          `json:"kind"`
	Online   bool            `json:"online"`
	Healthy  bool            `json:"healthy"`
	Active   bool            `json:"active"`
	LastSeen int64           `json:"last_seen,omitempty"` // Unix milliseconds
	Error    string          `json:"error,omitempty"`
	Snapshot *StatusSnapshot `json:"snapshot,omitempty"` // last known, kept while offline
}

// RobotsStatusData is the hub's periodic fleet aggregate.
type RobotsStatusData struct {
	Robots []RobotStatusEntry `json:"robots"`
}
