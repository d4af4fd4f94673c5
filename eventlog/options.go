package eventlog

import (
	"errors"
	"time"

	"github.com/billfold/billfold"
)

// An Option configures a Log.
type Option[S any] func(*Log[S]) error

// WithClock overrides the wall clock used to stamp events. Mainly for tests.
func WithClock[S any](now func() time.Time) Option[S] {
	return func(l *Log[S]) error {
		if now == nil {
			return errors.New("clock is required")
		}
		l.now = now
		return nil
	}
}

// WithMarshaler overrides the snapshot marshaler.
func WithMarshaler[S any](m billfold.Marshaler[S, *S]) Option[S] {
	return func(l *Log[S]) error {
		if m == nil {
			return errors.New("marshaler is required")
		}
		l.marshal = m
		return nil
	}
}

// WithLogger overrides the logger.
func WithLogger[S any](logger billfold.Logger) Option[S] {
	return func(l *Log[S]) error {
		if logger == nil {
			return errors.New("logger is required")
		}
		l.log = logger
		return nil
	}
}

// An ApplyOption configures a single Apply call.
type ApplyOption func(*applyOptions)

type applyOptions struct {
	tx TxOptions
}

func newApplyOptions(opts []ApplyOption) applyOptions {
	var merged applyOptions
	for _, opt := range opts {
		opt(&merged)
	}
	return merged
}

// WithTx threads an externally supplied transaction handle through to the
// storage layer. The event and projection writes then land, or fail, together
// with whatever else the caller does inside the same transaction. The handle
// type must match the storage implementation.
func WithTx(tx any) ApplyOption {
	return func(o *applyOptions) {
		o.tx = TxOptions{Tx: tx}
	}
}
