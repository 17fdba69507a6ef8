package domain

import (
	"strings"
	"time"
)

// EngineStatus is the lifecycle state of a trading engine
type EngineStatus int

const (
	StatusStopped EngineStatus = iota
	StatusStarting
	StatusRunning
	StatusStopping
	StatusError
)

func (s EngineStatus) String() string {
	switch s {
	case StatusStopped:
		return "STOPPED"
	case StatusStarting:
		return "STARTING"
	case StatusRunning:
		return "RUNNING"
	case StatusStopping:
		return "STOPPING"
	case StatusError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the status name in JSON payloads
func (s EngineStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseEngineStatus is the inverse of String
func ParseEngineStatus(v string) (EngineStatus, bool) {
	switch strings.ToUpper(v) {
	case "STOPPED":
		return StatusStopped, true
	case "STARTING":
		return StatusStarting, true
	case "RUNNING":
		return StatusRunning, true
	case "STOPPING":
		return StatusStopping, true
	case "ERROR":
		return StatusError, true
	}
	return StatusStopped, false
}

// HealthSnapshot is the point-in-time view of one engine
type HealthSnapshot struct {
	Symbol        string       `json:"symbol"`
	Mode          string       `json:"mode"`
	Status        EngineStatus `json:"status"`
	UptimeSeconds float64      `json:"uptime_seconds"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	QueueDepth    int          `json:"queue_depth"`
	Dropped       uint64       `json:"dropped"`
	Cycles        uint64       `json:"cycles"`
	LastError     string       `json:"last_error,omitempty"`
}

// Summary aggregates engine counts across the manager. STARTING engines are
// counted as running and STOPPING engines as stopped.
type Summary struct {
	Total   int `json:"total"`
	Running int `json:"running"`
	Stopped int `json:"stopped"`
	Error   int `json:"error"`
}

// Add folds one engine status into the summary
func (s *Summary) Add(status EngineStatus) {
	s.Total++
	switch status {
	case StatusRunning, StatusStarting:
		s.Running++
	case StatusError:
		s.Error++
	default:
		s.Stopped++
	}
}
