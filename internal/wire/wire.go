// Package wire defines the live-channel protocol spoken between the
// availability client and the schedule backend. Every frame is an Envelope
// {type, payload}; payloads decode into a closed set of Message types.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type Type string

const (
	TypeSubscribe   Type = "subscribe"
	TypeUnsubscribe Type = "unsubscribe"
	TypeBatchCheck  Type = "batch_check"
	TypeCheckEmpty  Type = "check_empty"

	TypeCityStatus  Type = "city_status"
	TypeBatchResult Type = "batch_result"
	TypeEmptyResult Type = "empty_result"
	TypeError       Type = "error"
)

var (
	ErrUnknownType    = errors.New("wire: unknown message type")
	ErrInvalidPayload = errors.New("wire: invalid payload")
)

// Envelope is the frame shape on the wire.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message is implemented only by the payload types of this package.
type Message interface {
	Type() Type
	validate() error
}

// CityDate identifies one availability slot.
type CityDate struct {
	City string `json:"city"`
	Date string `json:"date"`
}

// Key is the composite "city:date" key used for subscriptions and results.
func (cd CityDate) Key() string {
	return cd.City + ":" + cd.Date
}

func (cd CityDate) validate() error {
	if strings.TrimSpace(cd.City) == "" || strings.TrimSpace(cd.Date) == "" {
		return fmt.Errorf("%w: city and date are required", ErrInvalidPayload)
	}
	return nil
}

// Client -> server

type Subscribe struct{ CityDate }

type Unsubscribe struct{ CityDate }

type BatchCheck struct {
	RequestID string     `json:"requestId"`
	Requests  []CityDate `json:"requests"`
}

type CheckEmpty struct {
	RequestID string `json:"requestId"`
	Date      string `json:"date"`
}

// Server -> client

type CityStatus struct {
	City        string `json:"city"`
	Date        string `json:"date"`
	IsScheduled bool   `json:"isScheduled"`
}

// Slot returns the CityDate the status refers to.
func (s CityStatus) Slot() CityDate {
	return CityDate{City: s.City, Date: s.Date}
}

type BatchResult struct {
	RequestID string       `json:"requestId"`
	Results   []CityStatus `json:"results"`
}

type EmptyResult struct {
	RequestID string `json:"requestId"`
	Date      string `json:"date"`
	IsEmpty   bool   `json:"isEmpty"`
}

type ServerError struct {
	Message string `json:"message"`
}

func (Subscribe) Type() Type   { return TypeSubscribe }
func (Unsubscribe) Type() Type { return TypeUnsubscribe }
func (BatchCheck) Type() Type  { return TypeBatchCheck }
func (CheckEmpty) Type() Type  { return TypeCheckEmpty }
func (CityStatus) Type() Type  { return TypeCityStatus }
func (BatchResult) Type() Type { return TypeBatchResult }
func (EmptyResult) Type() Type { return TypeEmptyResult }
func (ServerError) Type() Type { return TypeError }

func (s Subscribe) validate() error   { return s.CityDate.validate() }
func (u Unsubscribe) validate() error { return u.CityDate.validate() }
func (ServerError) validate() error   { return nil }

func (b BatchCheck) validate() error {
	if b.RequestID == "" {
		return fmt.Errorf("%w: requestId is required", ErrInvalidPayload)
	}
	for _, r := range b.Requests {
		if err := r.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c CheckEmpty) validate() error {
	if c.RequestID == "" || strings.TrimSpace(c.Date) == "" {
		return fmt.Errorf("%w: requestId and date are required", ErrInvalidPayload)
	}
	return nil
}

func (s CityStatus) validate() error { return s.Slot().validate() }

func (b BatchResult) validate() error {
	if b.RequestID == "" {
		return fmt.Errorf("%w: requestId is required", ErrInvalidPayload)
	}
	for _, r := range b.Results {
		if err := r.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (e EmptyResult) validate() error {
	if e.RequestID == "" || strings.TrimSpace(e.Date) == "" {
		return fmt.Errorf("%w: requestId and date are required", ErrInvalidPayload)
	}
	return nil
}

// Encode validates m and wraps it in an Envelope.
func Encode(m Message) (Envelope, error) {
	if err := m.validate(); err != nil {
		return Envelope{}, err
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	return Envelope{Type: m.Type(), Payload: payload}, nil
}

// Marshal encodes m into a JSON frame.
func Marshal(m Message) ([]byte, error) {
	env, err := Encode(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

var (
	inbound = map[Type]func() Message{
		TypeCityStatus:  func() Message { return &CityStatus{} },
		TypeBatchResult: func() Message { return &BatchResult{} },
		TypeEmptyResult: func() Message { return &EmptyResult{} },
		TypeError:       func() Message { return &ServerError{} },
	}
	outbound = map[Type]func() Message{
		TypeSubscribe:   func() Message { return &Subscribe{} },
		TypeUnsubscribe: func() Message { return &Unsubscribe{} },
		TypeBatchCheck:  func() Message { return &BatchCheck{} },
		TypeCheckEmpty:  func() Message { return &CheckEmpty{} },
	}
	required = map[Type][]string{
		TypeCityStatus:  {"isScheduled"},
		TypeEmptyResult: {"isEmpty"},
	}
)

// DecodeInbound decodes a frame sent by the server. It never fails: anything
// that is not a valid server message becomes a ServerError describing why.
func DecodeInbound(raw []byte) Message {
	m, err := decode(raw, inbound)
	if err != nil {
		return ServerError{Message: err.Error()}
	}
	return m
}

// DecodeOutbound decodes a frame sent by a client.
func DecodeOutbound(raw []byte) (Message, error) {
	return decode(raw, outbound)
}

func decode(raw []byte, kinds map[Type]func() Message) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	newMsg, ok := kinds[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("%w: %s without payload", ErrInvalidPayload, env.Type)
	}
	if fields := required[env.Type]; len(fields) > 0 {
		var present map[string]json.RawMessage
		if err := json.Unmarshal(env.Payload, &present); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		for _, f := range fields {
			if _, ok := present[f]; !ok {
				return nil, fmt.Errorf("%w: %s missing %s", ErrInvalidPayload, env.Type, f)
			}
		}
	}
	ptr := newMsg()
	if err := json.Unmarshal(env.Payload, ptr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	m := deref(ptr)
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func deref(m Message) Message {
	switch v := m.(type) {
	case *CityStatus:
		return *v
	case *BatchResult:
		return *v
	case *EmptyResult:
		return *v
	case *ServerError:
		return *v
	case *Subscribe:
		return *v
	case *Unsubscribe:
		return *v
	case *BatchCheck:
		return *v
	case *CheckEmpty:
		return *v
	}
	return m
}
