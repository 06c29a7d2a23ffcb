package domain

import (
	"time"
)

// CaptureState is the recording engine state.
type CaptureState string

const (
	CaptureIdle          CaptureState = "IDLE"
	CaptureMonitoring    CaptureState = "MONITORING"
	CaptureRecording     CaptureState = "RECORDING"
	CaptureFinishingGame CaptureState = "FINISHING_GAME"
)

// String returns the string representation of CaptureState.
func (s CaptureState) String() string {
	return string(s)
}

// CaptureMode selects which artifacts a session writes.
type CaptureMode string

const (
	CaptureGameStateOnly  CaptureMode = "game_state"
	CaptureGameAndActions CaptureMode = "game_and_actions"
)

// IsValid checks if the mode is a known value.
func (m CaptureMode) IsValid() bool {
	return m == CaptureGameStateOnly || m == CaptureGameAndActions
}

// SessionLimits bounds a capture session. Zero values disable a limit.
type SessionLimits struct {
	MaxTicks             int           `json:"maxTicks" yaml:"max_ticks"`
	MaxGames             int           `json:"maxGames" yaml:"max_games"`
	MaxDuration          time.Duration `json:"maxDuration" yaml:"max_duration"`
	MaxIntegrityBreaches int           `json:"maxIntegrityBreaches" yaml:"max_integrity_breaches"`
}

// CaptureConfig configures one capture session.
type CaptureConfig struct {
	Mode             CaptureMode   `json:"mode" yaml:"mode"`
	Limits           SessionLimits `json:"limits" yaml:"limits"`
	MaxGapRun        int           `json:"maxGapRun" yaml:"max_gap_run"` // consecutive gapped ticks that count as a breach
	PlayerID         string        `json:"playerId" yaml:"player_id"`
	Username         string        `json:"username" yaml:"username"`
	ResumeAfterGames int           `json:"resumeAfterGames" yaml:"resume_after_games"` // clean games to observe after a breach
}

// CaptureSession is the lifecycle object of one recording run.
type CaptureSession struct {
	ID                string        `json:"id"`
	Config            CaptureConfig `json:"config"`
	State             CaptureState  `json:"state"`
	StartedAt         time.Time     `json:"startedAt"`
	EndedAt           time.Time     `json:"endedAt,omitzero"`
	CurrentGameID     string        `json:"currentGameId,omitempty"`
	GamesRecorded     int           `json:"gamesRecorded"`
	GamesDiscarded    int           `json:"gamesDiscarded"`
	TicksRecorded     int           `json:"ticksRecorded"`
	ActionsRecorded   int           `json:"actionsRecorded"`
	IntegrityBreaches int           `json:"integrityBreaches"`
	Scrutiny          bool          `json:"scrutiny"` // set while the pipeline was DEGRADED during the current game
	StopReason        string        `json:"stopReason,omitempty"`
}
