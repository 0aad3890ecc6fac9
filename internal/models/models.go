package models

import "time"

type Group string

const (
	GroupBB     Group = "BB"
	GroupSB     Group = "SB"
	GroupCenter Group = "CENTER"
)

type Trend string

const (
	TrendLoading   Trend = "loading"
	TrendUnloading Trend = "unloading"
	TrendStable    Trend = "stable"
)

type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusError        ConnectionStatus = "error"
)

type OperationType string

const (
	OperationLoading   OperationType = "loading"
	OperationUnloading OperationType = "unloading"
)

func (o OperationType) Valid() bool {
	return o == OperationLoading || o == OperationUnloading
}

type Product string

const (
	ProductPetroleum Product = "petroleum"
	ProductWater     Product = "water"
)

// TelemetryReading is one normalized level sample from a sensor channel.
type TelemetryReading struct {
	SourceIndex  int       `json:"sourceIndex"`
	LevelMm      float64   `json:"levelMm"`
	TemperatureC float64   `json:"temperatureC"`
	Timestamp    time.Time `json:"timestamp"`
}

type Tank struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Group           Group     `json:"group"`
	SourceIndex     int       `json:"sourceIndex"`
	CurrentLevelMm  float64   `json:"currentLevelMm"`
	MaxCapacityMm   float64   `json:"maxCapacityMm"`
	PreviousLevelMm float64   `json:"previousLevelMm"`
	TemperatureC    *float64  `json:"temperatureC,omitempty"`
	Trend           Trend     `json:"trend"`
	TrendValue      float64   `json:"trendValue"`
	LastUpdated     time.Time `json:"lastUpdated"`
}

// TankSpec is the static description of a tank from the catalogue.
type TankSpec struct {
	Index             int     `yaml:"index" json:"index"`
	ID                string  `yaml:"id" json:"id"`
	Name              string  `yaml:"name" json:"name"`
	Group             Group   `yaml:"group" json:"group"`
	MaxLevelMm        float64 `yaml:"max_level_mm" json:"maxLevelMm"`
	CapacityLiters    float64 `yaml:"capacity_liters" json:"capacityLiters"`
	ReferenceDensity  float64 `yaml:"reference_density" json:"referenceDensity"`
	Product           Product `yaml:"product" json:"product"`
	TargetFillPercent float64 `yaml:"target_fill_percent" json:"targetFillPercent"`
}

// VolumeAt converts a level to liters assuming a prismatic tank.
func (s TankSpec) VolumeAt(levelMm float64) float64 {
	if s.MaxLevelMm <= 0 || levelMm <= 0 {
		return 0
	}
	return levelMm * s.CapacityLiters / s.MaxLevelMm
}

type FlowSample struct {
	Timestamp    time.Time `json:"timestamp"`
	VolumeLiters float64   `json:"volumeLiters"`
	MassTons     *float64  `json:"massTons,omitempty"`
}

type FlowRateData struct {
	VolumeFlowRate float64  `json:"volumeFlowRate"`
	MassFlowRate   *float64 `json:"massFlowRate,omitempty"`
	Trend          Trend    `json:"trend"`
	Confidence     float64  `json:"confidence"`
	Smoothed       bool     `json:"smoothed"`
}

type ETACalculation struct {
	EstimatedCompletion time.Time `json:"estimatedCompletion"`
	RemainingVolume     float64   `json:"remainingVolume"`
	RemainingMass       float64   `json:"remainingMass"`
	CurrentRate         float64   `json:"currentRate"`
	Confidence          float64   `json:"confidence"`
	Assumptions         []string  `json:"assumptions"`
}

type AlarmConfiguration struct {
	Enabled                    bool    `json:"enabled"`
	PreAlarmPercentage         float64 `json:"preAlarmPercentage"`
	OvershootWarningPercentage float64 `json:"overshootWarningPercentage"`
	OvershootAlarmPercentage   float64 `json:"overshootAlarmPercentage"`
	AlarmDelaySeconds          int     `json:"alarmDelaySeconds"`
	AutoResetAfterSeconds      int     `json:"autoResetAfterSeconds"`
	HysteresisPercentage       float64 `json:"hysteresisPercentage"`
	AudioEnabled               bool    `json:"audioEnabled"`
	VisualEnabled              bool    `json:"visualEnabled"`
}

func DefaultAlarmConfiguration() AlarmConfiguration {
	return AlarmConfiguration{
		Enabled:                    true,
		PreAlarmPercentage:         10,
		OvershootWarningPercentage: 2,
		OvershootAlarmPercentage:   5,
		AlarmDelaySeconds:          3,
		AutoResetAfterSeconds:      300,
		HysteresisPercentage:       1,
		AudioEnabled:               true,
		VisualEnabled:              true,
	}
}

type AlarmState string

const (
	AlarmNormal           AlarmState = "NORMAL"
	AlarmPreAlarm         AlarmState = "PRE_ALARM"
	AlarmTargetReached    AlarmState = "TARGET_REACHED"
	AlarmOvershootWarning AlarmState = "OVERSHOOT_WARNING"
	AlarmOvershootAlarm   AlarmState = "OVERSHOOT_ALARM"
)

type AlarmStatus struct {
	OperationID         string        `json:"operationId,omitempty"`
	CurrentState        AlarmState    `json:"currentState"`
	PreviousState       AlarmState    `json:"previousState"`
	OperationType       OperationType `json:"operationType,omitempty"`
	OperationQuantity   float64       `json:"operationQuantity"`
	InitialVolume       float64       `json:"initialVolume"`
	CurrentVolume       float64       `json:"currentVolume"`
	TargetVolume        float64       `json:"targetVolume"`
	ProgressPercentage  float64       `json:"progressPercentage"`
	OvershootPercentage float64       `json:"overshootPercentage"`
	AlarmTriggeredAt    *time.Time    `json:"alarmTriggeredAt,omitempty"`
	StateEnteredAt      time.Time     `json:"stateEnteredAt"`
	TimeInCurrentState  time.Duration `json:"timeInCurrentState"`
	Acknowledged        bool          `json:"acknowledged"`
	AcknowledgedAt      *time.Time    `json:"acknowledgedAt,omitempty"`
}

// ReadingRecord is one persisted tank observation.
type ReadingRecord struct {
	TS           time.Time `json:"ts"`
	TankID       string    `json:"tankId"`
	SourceIndex  int       `json:"sourceIndex"`
	LevelMm      float64   `json:"levelMm"`
	TemperatureC *float64  `json:"temperatureC,omitempty"`
	VolumeLiters float64   `json:"volumeLiters"`
	MassTons     float64   `json:"massTons"`
}

type OperationRecord struct {
	ID            string        `json:"id"`
	Type          OperationType `json:"type"`
	Quantity      float64       `json:"quantity"`
	InitialVolume float64       `json:"initialVolume"`
	TargetVolume  float64       `json:"targetVolume"`
	StartedAt     time.Time     `json:"startedAt"`
	EndedAt       *time.Time    `json:"endedAt,omitempty"`
}

// AlarmEvent is a journalled alarm state change or acknowledgment.
type AlarmEvent struct {
	ID          int64      `json:"id"`
	OperationID string     `json:"operationId"`
	FromState   AlarmState `json:"fromState"`
	ToState     AlarmState `json:"toState"`
	Reason      string     `json:"reason"`
	Volume      float64    `json:"volume"`
	Progress    float64    `json:"progress"`
	Overshoot   float64    `json:"overshoot"`
	TS          time.Time  `json:"ts"`
}
