package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Publisher is the part of the MQTT client the notifier needs.
type Publisher interface {
	Publish(topic string, payload []byte, retained bool) error
	Topic(parts ...string) string
	IsConnected() bool
}

// Alert is the JSON body published for every report.
type Alert struct {
	Subject string    `json:"subject"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Notifier tells the operator about conditions that need a manual action,
// such as a sensor disabled after repeated faults.
//
// Every report is logged. When an MQTT publisher is attached the alert is
// also published, retained, on <base>/alert/<subject> so a dashboard shows
// it until the operator clears it. A subject is reported once until Clear is
// called.
type Notifier struct {
	pub    Publisher
	logger *logrus.Logger

	mu     sync.Mutex
	active map[string]Alert
}

// NewNotifier creates a notifier. pub may be nil.
func NewNotifier(pub Publisher, logger *logrus.Logger) *Notifier {
	return &Notifier{pub: pub, logger: logger, active: make(map[string]Alert)}
}

// Report records and forwards an alert.
func (n *Notifier) Report(ctx context.Context, subject, message string) {
	if subject == "" {
		return
	}

	n.mu.Lock()
	if _, seen := n.active[subject]; seen {
		n.mu.Unlock()
		return
	}
	alert := Alert{Subject: subject, Message: message, Time: time.Now()}
	n.active[subject] = alert
	n.mu.Unlock()

	n.logger.WithFields(logrus.Fields{
		"subject": subject,
		"message": message,
	}).Warn("Operator alert")

	if n.pub == nil || !n.pub.IsConnected() || ctx.Err() != nil {
		return
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		n.logger.WithError(err).Debug("Failed to marshal alert")
		return
	}
	if err := n.pub.Publish(n.pub.Topic("alert", subject), payload, true); err != nil {
		n.logger.WithError(err).Debug("Failed to publish alert")
	}
}

// Clear forgets an alert so it can be reported again, and removes the
// retained message.
func (n *Notifier) Clear(subject string) {
	n.mu.Lock()
	_, seen := n.active[subject]
	delete(n.active, subject)
	n.mu.Unlock()
	if !seen || n.pub == nil || !n.pub.IsConnected() {
		return
	}
	if err := n.pub.Publish(n.pub.Topic("alert", subject), nil, true); err != nil {
		n.logger.WithError(err).Debug("Failed to clear alert")
	}
}

// Active returns the outstanding alerts.
func (n *Notifier) Active() []Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Alert, 0, len(n.active))
	for _, a := range n.active {
		out = append(out, a)
	}
	return out
}
