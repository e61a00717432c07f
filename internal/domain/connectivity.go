package domain

import "time"

type ConnectivityMode string

const (
	ModeChecking ConnectivityMode = "checking"
	ModeOnline   ConnectivityMode = "online"
	ModeOffline  ConnectivityMode = "offline"
)

type ConnectivityState struct {
	Mode                ConnectivityMode `json:"mode"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	LastLatency         time.Duration    `json:"last_latency"`
	LastSuccessTime     time.Time        `json:"last_success_time"`
	LastCheckTime       time.Time        `json:"last_check_time"`
}

func (s ConnectivityState) IsOnline() bool {
	return s.Mode == ModeOnline
}
