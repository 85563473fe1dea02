package entity

import "time"

type CircuitState int32

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type CircuitSnapshot struct {
	Name                string        `json:"name"`
	State               CircuitState  `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Cooldown            time.Duration `json:"cooldown_ns"`
	OpenedAt            *time.Time    `json:"opened_at,omitempty"`
	Requests            uint64        `json:"requests"`
	Failures            uint64        `json:"failures"`
	Rejections          uint64        `json:"rejections"`
}
