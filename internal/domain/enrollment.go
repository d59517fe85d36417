package domain

import "time"

type EnrollmentStage string

const (
	StageIdle               EnrollmentStage = "idle"
	StageStarting           EnrollmentStage = "starting"
	StageAwaitingFirstRead  EnrollmentStage = "awaiting_first_read"
	StageFirstCaptured      EnrollmentStage = "first_captured"
	StageCheckingDuplicate  EnrollmentStage = "checking_duplicate"
	StageAwaitingSecondRead EnrollmentStage = "awaiting_second_read"
	StageSecondCaptured     EnrollmentStage = "second_captured"
	StageValidating         EnrollmentStage = "validating"
	StageSaving             EnrollmentStage = "saving"
	StageFinished           EnrollmentStage = "finished"
	StageFailed             EnrollmentStage = "failed"
	StageCancelled          EnrollmentStage = "cancelled"
)

var stageOrder = map[EnrollmentStage]int{
	StageStarting:           1,
	StageAwaitingFirstRead:  2,
	StageFirstCaptured:      3,
	StageCheckingDuplicate:  4,
	StageAwaitingSecondRead: 5,
	StageSecondCaptured:     6,
	StageValidating:         7,
	StageSaving:             8,
	StageFinished:           9,
}

// Terminal reports whether no further transition is allowed from s.
func (s EnrollmentStage) Terminal() bool {
	return s == StageFinished || s == StageFailed || s == StageCancelled
}

// CanAdvance reports whether moving from s to next keeps the session monotonic.
// Failed and cancelled are reachable from every non-terminal stage.
func (s EnrollmentStage) CanAdvance(next EnrollmentStage) bool {
	if s.Terminal() {
		return false
	}
	if next == StageFailed || next == StageCancelled {
		return true
	}
	return stageOrder[next] > stageOrder[s]
}

// Notification event names. Progress events reuse the stage names; the extra
// ones mark sub-steps and terminal outcomes.
const (
	EventConnected = "connected"
	EventValidated = "validated"
	EventSuccess   = "success"
	EventError     = "error"
	EventCancelled = "cancelled"
)

type EnrollmentRequest struct {
	UserID         int64  `json:"user_id"`
	Identifier     string `json:"identifier"`
	DisplayName    string `json:"display_name"`
	NotifyEndpoint string `json:"notify_endpoint,omitempty"`
}

// EnrollmentSession is the public snapshot of the in-flight enrollment.
type EnrollmentSession struct {
	ID             string          `json:"session_id"`
	UserID         int64           `json:"user_id"`
	Identifier     string          `json:"identifier"`
	DisplayName    string          `json:"display_name"`
	Stage          EnrollmentStage `json:"stage"`
	Message        string          `json:"message"`
	NotifyEndpoint string          `json:"notify_endpoint,omitempty"`
	CancelPending  bool            `json:"cancel_pending"`
	StartedAt      time.Time       `json:"started_at"`
}

type EnrollmentStatus struct {
	Stage      EnrollmentStage    `json:"stage"`
	Message    string             `json:"message"`
	InProgress bool               `json:"in_progress"`
	Session    *EnrollmentSession `json:"session,omitempty"`
}

type EnrollmentResult struct {
	Stage   EnrollmentStage
	Slot    int
	Err     error
	Message string
}
