package casesync

import (
	"time"

	"go.uber.org/zap"
)

// AckKind distinguishes user-visible acknowledgments of a manual resync.
type AckKind string

const (
	AckSyncComplete AckKind = "sync-complete"
	AckSyncFailed   AckKind = "sync-failed"
)

// Acknowledgment is a human-readable notice for the host to display.
type Acknowledgment struct {
	Kind    AckKind
	Message string
	Records int
	Err     error
}

// Acknowledger receives acknowledgments for manual resyncs.
type Acknowledger interface {
	Acknowledge(ack Acknowledgment)
}

// AcknowledgerFunc adapts a function to Acknowledger.
type AcknowledgerFunc func(ack Acknowledgment)

// Acknowledge implements Acknowledger.
func (f AcknowledgerFunc) Acknowledge(ack Acknowledgment) {
	f(ack)
}

// LogAcknowledger writes acknowledgments to a zap logger.
type LogAcknowledger struct {
	Logger *zap.Logger
}

// Acknowledge implements Acknowledger.
func (a LogAcknowledger) Acknowledge(ack Acknowledgment) {
	logger := a.Logger
	if logger == nil {
		logger = noOpLogger
	}
	if ack.Kind == AckSyncFailed {
		logger.Warn(ack.Message, zap.Error(ack.Err))
		return
	}
	logger.Info(ack.Message, zap.Int("records", ack.Records))
}

// Timer is a cancellable scheduled call.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d. The coordinator uses it for the settle delay.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
