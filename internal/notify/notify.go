// Package notify escalates missed doses to the user's emergency contacts.
package notify

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/gmsas95/dosewatch/internal/errors"
	"github.com/gmsas95/dosewatch/internal/metrics"
)

// Notifier is the emergency-notification collaborator.
type Notifier interface {
	NotifyMissed(ctx context.Context, medicationName, scheduledTime string) (Result, error)
}

// Contact is an emergency contact reachable on one channel.
type Contact struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Channel string `json:"channel"`
	Address string `json:"address"`
	Primary bool   `json:"primary"`
}

// ContactResult is the outcome of notifying one contact.
type ContactResult struct {
	ContactID   string `json:"contactId"`
	ContactName string `json:"contactName"`
	Channel     string `json:"channel"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
}

// Result aggregates a fan-out. Success is true when any contact was reached.
type Result struct {
	Success    bool            `json:"success"`
	Message    string          `json:"message"`
	PerContact []ContactResult `json:"perContact,omitempty"`
}

// Message is what a Sender delivers.
type Message struct {
	MedicationName string `json:"medicationName"`
	ScheduledTime  string `json:"scheduledTime"`
	ContactName    string `json:"contactName"`
	PatientName    string `json:"patientName,omitempty"`
	Text           string `json:"text"`
}

// Sender delivers a message to an address on one channel.
type Sender interface {
	Channel() string
	Send(ctx context.Context, address string, msg Message) error
}

// Dispatcher fans a missed-dose alert out to every contact.
type Dispatcher struct {
	mu          sync.RWMutex
	contacts    []Contact
	senders     map[string]Sender
	patientName string
	timeout     time.Duration
	logger      *zap.Logger
}

func NewDispatcher(contacts []Contact, senders []Sender, patientName string, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	d := &Dispatcher{
		senders:     make(map[string]Sender),
		patientName: patientName,
		timeout:     timeout,
		logger:      logger,
	}
	for _, s := range senders {
		d.senders[s.Channel()] = s
	}
	d.SetContacts(contacts)
	return d
}

// SetContacts replaces the contact list, primary contacts first.
func (d *Dispatcher) SetContacts(contacts []Contact) {
	sorted := append([]Contact{}, contacts...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Primary && !sorted[j].Primary })

	d.mu.Lock()
	d.contacts = sorted
	d.mu.Unlock()
}

// Contacts returns the current contact list.
func (d *Dispatcher) Contacts() []Contact {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Contact{}, d.contacts...)
}

func (d *Dispatcher) NotifyMissed(ctx context.Context, medicationName, scheduledTime string) (Result, error) {
	contacts := d.Contacts()
	if len(contacts) == 0 {
		d.logger.Warn("No emergency contacts configured", zap.String("medication", medicationName))
		return Result{Message: "no emergency contacts configured"},
			apperrors.New(apperrors.CodeNotifyFailed, "no emergency contacts configured")
	}

	results := make([]ContactResult, len(contacts))
	var wg sync.WaitGroup
	for i, c := range contacts {
		wg.Add(1)
		go func(i int, c Contact) {
			defer wg.Done()
			results[i] = d.notifyContact(ctx, c, medicationName, scheduledTime)
		}(i, c)
	}
	wg.Wait()

	res := Result{PerContact: results}
	for _, r := range results {
		if r.Success {
			res.Success = true
			break
		}
	}
	if !res.Success {
		res.Message = "failed to notify emergency contacts"
		d.logger.Error("Emergency notification failed for every contact",
			zap.String("medication", medicationName),
			zap.String("scheduled_time", scheduledTime),
			zap.Int("contacts", len(contacts)),
		)
		return res, apperrors.New(apperrors.CodeNotifyFailed, res.Message)
	}
	res.Message = "emergency contacts notified"
	return res, nil
}

func (d *Dispatcher) notifyContact(ctx context.Context, c Contact, medicationName, scheduledTime string) ContactResult {
	out := ContactResult{ContactID: c.ID, ContactName: c.Name, Channel: c.Channel}

	sender, ok := d.senders[c.Channel]
	if !ok {
		out.Error = fmt.Sprintf("channel %q not configured", c.Channel)
		metrics.RecordChannelSend(c.Channel, false)
		return out
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	msg := Message{
		MedicationName: medicationName,
		ScheduledTime:  scheduledTime,
		ContactName:    c.Name,
		PatientName:    d.patientName,
		Text:           FormatText(c.Name, d.patientName, medicationName, scheduledTime),
	}
	if err := sender.Send(ctx, c.Address, msg); err != nil {
		out.Error = err.Error()
		metrics.RecordChannelSend(c.Channel, false)
		d.logger.Warn("Failed to notify contact",
			zap.String("contact_id", c.ID),
			zap.String("channel", c.Channel),
			zap.Error(err),
		)
		return out
	}

	out.Success = true
	metrics.RecordChannelSend(c.Channel, true)
	return out
}

// FormatText renders the human-readable alert body.
func FormatText(contactName, patientName, medicationName, scheduledTime string) string {
	who := patientName
	if who == "" {
		who = "Your contact"
	}
	when := scheduledTime
	if t, err := time.Parse(time.RFC3339, scheduledTime); err == nil {
		when = t.Format("Jan 2, 15:04 MST")
	}
	greeting := "Hello"
	if contactName != "" {
		greeting = "Hello " + contactName
	}
	return fmt.Sprintf("%s, %s missed a dose of %s scheduled for %s.", greeting, who, medicationName, when)
}
