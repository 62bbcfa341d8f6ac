package scheduler

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Kind identifies a maintenance job.
type Kind int

const (
	KindPublish Kind = iota
	KindArchive
	KindWeather
)

var kindNames = map[Kind]string{
	KindPublish: "publish",
	KindArchive: "archive",
	KindWeather: "weather",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown job %q", s)
}

// Order is a delayed, cancellable request to run a job once. Cancelling only
// sets a flag; the queue drops the order when it expires or on Sweep.
type Order struct {
	kind     Kind
	expiry   time.Time
	canceled atomic.Bool
	index    int
}

// NewOrder creates an order of kind expiring after delay.
func NewOrder(kind Kind, delay time.Duration) *Order {
	return &Order{kind: kind, expiry: time.Now().Add(delay)}
}

func (o *Order) Kind() Kind        { return o.kind }
func (o *Order) Expiry() time.Time { return o.expiry }

// Remaining returns the time left until expiry, negative once expired.
func (o *Order) Remaining() time.Duration { return time.Until(o.expiry) }

// Cancel marks the order so it is never dispatched.
func (o *Order) Cancel() { o.canceled.Store(true) }

func (o *Order) Canceled() bool { return o.canceled.Load() }

func (o *Order) String() string {
	state := "pending"
	if o.Canceled() {
		state = "canceled"
	}
	return fmt.Sprintf("%s@%s(%s)", o.kind, o.expiry.Format(time.TimeOnly), state)
}
