package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrVerificationFailed means a snapshot was written but did not read
	// back identical to the in-memory table.
	ErrVerificationFailed = errors.New("snapshot verification failed")
	// ErrDuplicateID means a notification id was already stored.
	ErrDuplicateID = errors.New("notification id already stored")
	// ErrUnknownAccount means no source adapter is registered for an account.
	ErrUnknownAccount = errors.New("unknown account")
	// ErrQueueFull means an account's outbound queue stayed full.
	ErrQueueFull = errors.New("outbound queue full")
)

// ScanError is a transient poll failure. It never affects adaptive delay state.
type ScanError struct {
	AccountID string
	Err       error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("scan %s: %v", e.AccountID, e.Err)
}

func (e *ScanError) Unwrap() error { return e.Err }

// SendError is a dispatch failure. It is reported to the operator and never retried.
type SendError struct {
	AccountID  string
	ChatTarget string
	Stage      string // searching | sending
	Err        error
}

func (e *SendError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("send to %s via %s (%s): %v", e.ChatTarget, e.AccountID, e.Stage, e.Err)
	}
	return fmt.Sprintf("send to %s via %s: %v", e.ChatTarget, e.AccountID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// PersistError is a disk write or verification failure of the correlation store.
type PersistError struct {
	Op   string // marshal | write | rename | verify | backup
	Path string
	Err  error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// CorrelationMissError is a reply to a notification id the store does not know.
type CorrelationMissError struct {
	ID NotificationID
}

func (e *CorrelationMissError) Error() string {
	return fmt.Sprintf("no correlation for notification %s", e.ID)
}

// ChannelError is a failure to post or edit on the notification channel.
type ChannelError struct {
	Op  string // post | edit | reply
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// IsCorrelationMiss reports whether err is a *CorrelationMissError.
func IsCorrelationMiss(err error) bool {
	var miss *CorrelationMissError
	return errors.As(err, &miss)
}
