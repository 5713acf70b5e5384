package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrPermanent marks failures that must not be retried.
	ErrPermanent = errors.New("permanent delivery failure")

	ErrInvalidPayload = fmt.Errorf("%w: invalid payload", ErrPermanent)
)

// Config controls the delivery policy. Zero values get defaults.
type Config struct {
	RatePerSec     float64
	Burst          int
	RetryMax       int
	RetryBase      time.Duration
	RetryMaxDelay  time.Duration
	AttemptTimeout time.Duration
	HistorySize    int
}

// Payload is the notification content.
type Payload struct {
	Title    string  `json:"title"`
	Body     string  `json:"body"`
	Sound    *string `json:"sound,omitempty"`
	Group    *string `json:"group,omitempty"`
	Level    *string `json:"level,omitempty"`
	Icon     *string `json:"icon,omitempty"`
	URL      *string `json:"url,omitempty"`
	Copy     *string `json:"copy,omitempty"`
	AutoCopy *bool   `json:"auto_copy,omitempty"`
	Badge    *int32  `json:"badge,omitempty"`
}

// Validate checks the required fields only.
func (p Payload) Validate() error {
	if strings.TrimSpace(p.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidPayload)
	}
	if strings.TrimSpace(p.Body) == "" {
		return fmt.Errorf("%w: body is required", ErrInvalidPayload)
	}
	return nil
}

// Ack is the gateway's answer to a successful delivery.
type Ack struct {
	Gateway   string `json:"gateway"`
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Attempts  int    `json:"attempts"`
}

// DeliveryError is a failure reported by (or while talking to) a gateway.
//
// Status is the HTTP status (0 for transport errors), Code the gateway's own code.
type DeliveryError struct {
	Gateway string
	Status  int
	Code    int
	Message string
	Err     error
}

func (e *DeliveryError) Error() string {
	var b strings.Builder
	b.WriteString(e.Gateway)
	b.WriteString(" delivery failed")
	if e.Status != 0 {
		fmt.Fprintf(&b, ": status=%d", e.Status)
	}
	if e.Code != 0 {
		fmt.Fprintf(&b, " code=%d", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may succeed.
func (e *DeliveryError) Retryable() bool {
	switch {
	case e.Status == 0:
		return true
	case e.Status == 429:
		return true
	case e.Status >= 500:
		return true
	default:
		return false
	}
}

func (e *DeliveryError) Is(target error) bool {
	return target == ErrPermanent && !e.Retryable()
}

// Gateway sends one payload to a push provider.
type Gateway interface {
	Name() string
	Send(ctx context.Context, p Payload) (Ack, error)
}

// Observer receives delivery outcomes (metrics).
type Observer interface {
	ObserveDelivery(gateway string, ok bool, took time.Duration)
}

// DeliveryEvent is emitted on the event bus for every final outcome.
type DeliveryEvent struct {
	JobID    string    `json:"job_id,omitempty"`
	Gateway  string    `json:"gateway"`
	Title    string    `json:"title"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}

type jobIDKey struct{}

// WithJobID tags ctx with the job that triggered a delivery.
func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, jobIDKey{}, id)
}

// JobIDFrom returns the job id set by WithJobID, or "".
func JobIDFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(jobIDKey{}).(string)
	return id
}
