package flow

import "time"

// Mode controls how a round advances once evaluations finish.
type Mode string

const (
	ModeSynchronous Mode = "synchronous" // whole cohort revealed together
	ModeStaggered   Mode = "staggered"   // players advance as they finish, cohort event still fires
	ModeContinuous  Mode = "continuous"  // players advance individually
	ModePaced       Mode = "paced"       // cohort reveal on a host-driven pace
)

// ParseMode falls back to synchronous for unknown values.
func ParseMode(s string) Mode {
	switch Mode(s) {
	case ModeStaggered, ModeContinuous, ModePaced:
		return Mode(s)
	default:
		return ModeSynchronous
	}
}

// perPlayer reports whether completed players advance individually instead
// of waiting for the cohort.
func (m Mode) perPlayer() bool {
	return m == ModeContinuous || m == ModeStaggered
}

type PlayerStatus string

const (
	StatusWaiting    PlayerStatus = "waiting"
	StatusWriting    PlayerStatus = "writing"
	StatusSubmitted  PlayerStatus = "submitted"
	StatusEvaluating PlayerStatus = "evaluating"
	StatusCompleted  PlayerStatus = "completed"
	StatusViewing    PlayerStatus = "viewing"
	StatusError      PlayerStatus = "error"
)

// terminal statuses count towards round completion.
func (s PlayerStatus) terminal() bool {
	return s == StatusCompleted || s == StatusViewing || s == StatusError
}

// PlayerRoundState tracks one player through one round. It is advanced
// exclusively by the Manager and kept for showcase/summary reads after the
// round completes.
type PlayerRoundState struct {
	PlayerID        string       `json:"playerId"`
	SessionID       string       `json:"sessionId"`
	Round           int          `json:"round"`
	Status          PlayerStatus `json:"status"`
	Prompt          string       `json:"prompt,omitempty"`
	ItemID          string       `json:"itemId,omitempty"`
	SubmittedAt     *time.Time   `json:"submittedAt,omitempty"`
	EvalStartedAt   *time.Time   `json:"evalStartedAt,omitempty"`
	EvalCompletedAt *time.Time   `json:"evalCompletedAt,omitempty"`
	Score           float64      `json:"score"`
	Error           string       `json:"error,omitempty"`
	Engagement      float64      `json:"engagement"`
}

// SubmitResult is returned from SubmitPrompt. Exactly one of Activities or
// NextAction is populated, depending on the round's flow mode.
type SubmitResult struct {
	ItemID     string     `json:"itemId"`
	Activities []Activity `json:"activities,omitempty"`
	NextAction string     `json:"nextAction,omitempty"`
}
