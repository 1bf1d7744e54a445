// Package event parses external notifications into strictly typed ledger events.
//
// Payloads arrive as loosely-typed JSON from the payment gateway and the telephony
// provider. Nothing past this package sees raw payloads: a notification is either a
// DepositEvent, a CallCompletedEvent, or a model.ErrValidation error.
package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"zippcall/internal/model"
)

type Kind string

const (
	KindDeposit       Kind = "deposit"
	KindCallCompleted Kind = "call.completed"
)

// Bus topics carrying inbound notifications.
const (
	TopicDeposit       = "events.deposit"
	TopicCallCompleted = "events.call"
)

func KindForTopic(topic string) (Kind, bool) {
	switch topic {
	case TopicDeposit:
		return KindDeposit, true
	case TopicCallCompleted:
		return KindCallCompleted, true
	}
	return "", false
}

// Event is implemented only by the types in this package.
type Event interface {
	Kind() Kind
	ID() string
	User() string
	event()
}

type DepositEvent struct {
	EventID     string `json:"event_id" validate:"required,max=255"`
	UserID      string `json:"user_id" validate:"required,max=128"`
	AmountCents int64  `json:"amount_cents" validate:"gt=0"`
	Currency    string `json:"currency" validate:"omitempty,eq=USD"`
}

func (DepositEvent) Kind() Kind     { return KindDeposit }
func (e DepositEvent) ID() string   { return e.EventID }
func (e DepositEvent) User() string { return e.UserID }
func (DepositEvent) event()         {}

type CallStatus string

const (
	StatusInitiated  CallStatus = "initiated"
	StatusRinging    CallStatus = "ringing"
	StatusInProgress CallStatus = "in-progress"
	StatusCompleted  CallStatus = "completed"
	StatusFailed     CallStatus = "failed"
	StatusBusy       CallStatus = "busy"
	StatusNoAnswer   CallStatus = "no-answer"
	StatusCanceled   CallStatus = "canceled"
)

// Terminal reports whether the call has ended and carries a final duration.
func (s CallStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusBusy, StatusNoAnswer, StatusCanceled:
		return true
	}
	return false
}

// Connected reports whether a terminal call was ever answered.
func (s CallStatus) Connected() bool {
	return s == StatusCompleted
}

type CallCompletedEvent struct {
	CallID          string     `json:"call_id" validate:"required,max=255"`
	UserID          string     `json:"user_id" validate:"required,max=128"`
	Destination     string     `json:"destination" validate:"required,max=32"`
	DurationSeconds int64      `json:"duration_seconds" validate:"gte=0"`
	Status          CallStatus `json:"status" validate:"required,oneof=initiated ringing in-progress completed failed busy no-answer canceled"`
}

func (CallCompletedEvent) Kind() Kind     { return KindCallCompleted }
func (e CallCompletedEvent) ID() string   { return e.CallID }
func (e CallCompletedEvent) User() string { return e.UserID }
func (CallCompletedEvent) event()         {}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Parse decodes payload as the given kind and validates it.
func Parse(kind Kind, payload []byte) (Event, error) {
	switch kind {
	case KindDeposit:
		var e DepositEvent
		if err := decode(payload, &e); err != nil {
			return nil, err
		}
		e.Currency = strings.ToUpper(strings.TrimSpace(e.Currency))
		return e, Validate(e)
	case KindCallCompleted:
		var e CallCompletedEvent
		if err := decode(payload, &e); err != nil {
			return nil, err
		}
		e.Destination = model.NormalizeDestination(e.Destination)
		e.Status = CallStatus(strings.ToLower(strings.TrimSpace(string(e.Status))))
		return e, Validate(e)
	}
	return nil, model.Invalid("kind", fmt.Sprintf("%q is not supported", kind))
}

func decode(payload []byte, v any) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		return model.Invalid("body", "is empty")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return model.Invalid("body", "is not valid JSON: "+err.Error())
	}
	return nil
}

// Validate runs the struct's validate tags and reports the first failure as a ValidationError
// named after the JSON field.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		f := verrs[0]
		return model.Invalid(f.Field(), fmt.Sprintf("failed on '%s' tag", f.Tag()))
	}
	return model.Invalid("", err.Error())
}
