// Package notify prepares recipient lists for a finalized scope and records
// the outcome of every delivery attempt against the messaging gateway.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"rollcall/checkin/internal/clients"
	"rollcall/checkin/internal/model"
)

var ErrNoGateway = errors.New("notify: messaging gateway not configured")

const absenteeTemplate = "attendance-absentee"

type Store interface {
	ListAbsentees(ctx context.Context, scope model.Scope) ([]model.DailyAbsentee, error)
	InsertDeliveryLog(ctx context.Context, row model.DeliveryLog) error
}

type Dispatcher struct {
	store     Store
	identity  clients.Identity
	messenger clients.Messenger
	now       func() time.Time
}

func NewDispatcher(store Store, identity clients.Identity, messenger clients.Messenger) *Dispatcher {
	return &Dispatcher{store: store, identity: identity, messenger: messenger, now: time.Now}
}

// WithNow overrides the clock; tests only.
func (d *Dispatcher) WithNow(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

type Counts struct {
	Sent    int
	Skipped int
	Failed  int
	Total   int
}

// Message is the rendered outbound content for one scope.
type Message struct {
	Subject string
	Body    string
	Footer  string
}

func renderAbsenteeMessage(scope model.Scope) Message {
	program := scope.ProgramKey
	if program == "" {
		program = "the program"
	}
	return Message{
		Subject: fmt.Sprintf("Attendance reminder for %s", scope.Day),
		Body:    fmt.Sprintf("Our records show no check-in for %s on %s. If you believe this is a mistake, contact the office.", program, scope.Day),
		Footer:  "Sent by the attendance desk.",
	}
}

// NotifyAbsentees messages everyone marked absent for the scope, or the
// explicit recipient list when given. Per-recipient failures are counted,
// never propagated.
func (d *Dispatcher) NotifyAbsentees(ctx context.Context, scope model.Scope, recipientIDs []int64) (Counts, error) {
	if d.messenger == nil {
		return Counts{}, ErrNoGateway
	}

	ids := recipientIDs
	if len(ids) == 0 {
		rows, err := d.store.ListAbsentees(ctx, scope)
		if err != nil {
			return Counts{}, err
		}
		for _, row := range rows {
			ids = append(ids, row.UserID)
		}
	}
	if len(ids) == 0 {
		return Counts{}, nil
	}

	profiles, err := d.identity.GetProfiles(ctx, ids)
	if err != nil {
		return Counts{}, err
	}

	message := renderAbsenteeMessage(scope)
	return d.deliver(ctx, profiles, message, map[string]string{
		"date":    scope.Day,
		"program": scope.ProgramKey,
		"track":   scope.Track,
	}), nil
}

// SendReminder delivers a near-cutoff reminder to the given users.
func (d *Dispatcher) SendReminder(ctx context.Context, scope model.Scope, userIDs []int64) (Counts, error) {
	if d.messenger == nil {
		return Counts{}, ErrNoGateway
	}
	profiles, err := d.identity.GetProfiles(ctx, userIDs)
	if err != nil {
		return Counts{}, err
	}
	message := Message{
		Subject: fmt.Sprintf("Check-in closes soon for %s", scope.ProgramKey),
		Body:    fmt.Sprintf("The %s check-in window closes shortly. Scan in before the cutoff.", scope.ProgramKey),
		Footer:  "Sent by the attendance desk.",
	}
	return d.deliver(ctx, profiles, message, map[string]string{
		"date":    scope.Day,
		"program": scope.ProgramKey,
	}), nil
}

func (d *Dispatcher) deliver(ctx context.Context, profiles []model.UserProfile, message Message, vars map[string]string) Counts {
	counts := Counts{Total: len(profiles)}
	for _, profile := range profiles {
		entry := model.DeliveryLog{
			ID:      uuid.NewString(),
			UserID:  profile.ID,
			Phone:   profile.Phone,
			Subject: message.Subject,
			Body:    message.Body + "\n" + message.Footer,
			SentAt:  d.now().UTC(),
		}
		if profile.Phone == "" || !profile.PhoneEnabled {
			counts.Skipped++
			entry.Status = "skipped"
			reason := "no usable phone"
			entry.Error = &reason
			d.record(ctx, entry)
			continue
		}
		sendVars := map[string]string{"name": profile.Name}
		for k, v := range vars {
			sendVars[k] = v
		}
		providerID, err := d.messenger.Send(ctx, profile.Phone, absenteeTemplate, sendVars)
		if err != nil {
			counts.Failed++
			entry.Status = "failed"
			msg := err.Error()
			entry.Error = &msg
			d.record(ctx, entry)
			continue
		}
		counts.Sent++
		entry.Status = "sent"
		if providerID != "" {
			entry.ProviderID = &providerID
		}
		d.record(ctx, entry)
	}
	return counts
}

func (d *Dispatcher) record(ctx context.Context, entry model.DeliveryLog) {
	if err := d.store.InsertDeliveryLog(ctx, entry); err != nil {
		log.Printf("notify: delivery log for user %d: %v", entry.UserID, err)
	}
}
