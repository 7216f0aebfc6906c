package delivery

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected  = errors.New("session not connected")
	ErrNoDestination = errors.New("delivery destination (group_id) not configured")
	ErrBusy          = errors.New("a delivery is already in progress")
	ErrClosed        = errors.New("delivery service closed")
)

// Step names the protocol step a firing failed in.
type Step string

const (
	StepSelect       Step = "select"
	StepSendImage    Step = "send_image"
	StepWaitBetween  Step = "wait_between"
	StepSendDocument Step = "send_document"
	StepCommit       Step = "commit"
)

// StepError is returned for failures after an item was selected.
type StepError struct {
	RunID  string
	ItemID int64
	Step   Step
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("delivery run %s: item %d: %s: %v", e.RunID, e.ItemID, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
