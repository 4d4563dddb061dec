// Package stream implements the research event protocol: JSON payloads framed
// as `data: <json>\n\n` records over a plain HTTP response body.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/osvaldoandrade/historia/pkg/domain"
)

type EventType string

const (
	TypeTaskCreated     EventType = "task_created"
	TypeStatus          EventType = "status"
	TypeProgress        EventType = "progress"
	TypeMessageUpdate   EventType = "message_update"
	TypeContent         EventType = "content"
	TypeSources         EventType = "sources"
	TypeImages          EventType = "images"
	TypeContinuePolling EventType = "continue_polling"
	TypeError           EventType = "error"
	TypeDone            EventType = "done"
)

// Event is one decoded frame. The set of implementations is closed.
type Event interface {
	Type() EventType
	isEvent()
}

type TaskCreated struct{ TaskID string }

type StatusChanged struct{ Status domain.Status }

type Progress struct{ CurrentStep, TotalSteps int }

type MessageUpdate struct {
	ContentType string
	Data        domain.MessageContent
}

type Content struct{ Content string }

type Sources struct{ Sources []domain.Source }

type Images struct{ Images []domain.Image }

type ContinuePolling struct{ TaskID string }

type Failure struct{ Error string }

type Done struct{}

func (TaskCreated) Type() EventType     { return TypeTaskCreated }
func (StatusChanged) Type() EventType   { return TypeStatus }
func (Progress) Type() EventType        { return TypeProgress }
func (MessageUpdate) Type() EventType   { return TypeMessageUpdate }
func (Content) Type() EventType         { return TypeContent }
func (Sources) Type() EventType         { return TypeSources }
func (Images) Type() EventType          { return TypeImages }
func (ContinuePolling) Type() EventType { return TypeContinuePolling }
func (Failure) Type() EventType         { return TypeError }
func (Done) Type() EventType            { return TypeDone }

func (TaskCreated) isEvent()     {}
func (StatusChanged) isEvent()   {}
func (Progress) isEvent()        {}
func (MessageUpdate) isEvent()   {}
func (Content) isEvent()         {}
func (Sources) isEvent()         {}
func (Images) isEvent()          {}
func (ContinuePolling) isEvent() {}
func (Failure) isEvent()         {}
func (Done) isEvent()            {}

// UnknownError is reported by error frames that carry no message.
const UnknownError = "Unknown error"

// wireEvent is the JSON shape of every frame.
type wireEvent struct {
	Type        EventType              `json:"type"`
	TaskID      *string                `json:"taskId,omitempty"`
	Status      *string                `json:"status,omitempty"`
	CurrentStep *int                   `json:"current_step,omitempty"`
	TotalSteps  *int                   `json:"total_steps,omitempty"`
	ContentType *string                `json:"content_type,omitempty"`
	Data        *domain.MessageContent `json:"data,omitempty"`
	Content     *string                `json:"content,omitempty"`
	Sources     *[]domain.Source       `json:"sources,omitempty"`
	Images      *[]domain.Image        `json:"images,omitempty"`
	Error       *string                `json:"error,omitempty"`
}

var (
	ErrUnknownType   = errors.New("unknown event type")
	ErrMissingFields = errors.New("missing required fields")
)

// Parse decodes a single JSON payload into an Event.
func Parse(payload []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, err
	}
	return w.event()
}

func (w wireEvent) event() (Event, error) {
	missing := fmt.Errorf("%w for %q", ErrMissingFields, w.Type)
	switch w.Type {
	case TypeTaskCreated:
		if w.TaskID == nil || *w.TaskID == "" {
			return nil, missing
		}
		return TaskCreated{TaskID: *w.TaskID}, nil
	case TypeStatus:
		if w.Status == nil {
			return nil, missing
		}
		s, ok := domain.ParseStatus(*w.Status)
		if !ok {
			return nil, fmt.Errorf("invalid status %q", *w.Status)
		}
		return StatusChanged{Status: s}, nil
	case TypeProgress:
		if w.CurrentStep == nil || w.TotalSteps == nil {
			return nil, missing
		}
		return Progress{CurrentStep: *w.CurrentStep, TotalSteps: *w.TotalSteps}, nil
	case TypeMessageUpdate:
		if w.ContentType == nil || *w.ContentType == "" || w.Data == nil {
			return nil, missing
		}
		return MessageUpdate{ContentType: *w.ContentType, Data: *w.Data}, nil
	case TypeContent:
		if w.Content == nil {
			return nil, missing
		}
		return Content{Content: *w.Content}, nil
	case TypeSources:
		if w.Sources == nil {
			return nil, missing
		}
		return Sources{Sources: *w.Sources}, nil
	case TypeImages:
		if w.Images == nil {
			return nil, missing
		}
		return Images{Images: *w.Images}, nil
	case TypeContinuePolling:
		if w.TaskID == nil || *w.TaskID == "" {
			return nil, missing
		}
		return ContinuePolling{TaskID: *w.TaskID}, nil
	case TypeError:
		msg := UnknownError
		if w.Error != nil && *w.Error != "" {
			msg = *w.Error
		}
		return Failure{Error: msg}, nil
	case TypeDone:
		return Done{}, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownType, w.Type)
	}
}

func toWire(ev Event) (wireEvent, error) {
	w := wireEvent{Type: ev.Type()}
	switch e := ev.(type) {
	case TaskCreated:
		w.TaskID = &e.TaskID
	case StatusChanged:
		s := string(e.Status)
		w.Status = &s
	case Progress:
		w.CurrentStep, w.TotalSteps = &e.CurrentStep, &e.TotalSteps
	case MessageUpdate:
		w.ContentType, w.Data = &e.ContentType, &e.Data
	case Content:
		w.Content = &e.Content
	case Sources:
		src := e.Sources
		if src == nil {
			src = []domain.Source{}
		}
		w.Sources = &src
	case Images:
		imgs := e.Images
		if imgs == nil {
			imgs = []domain.Image{}
		}
		w.Images = &imgs
	case ContinuePolling:
		w.TaskID = &e.TaskID
	case Failure:
		w.Error = &e.Error
	case Done:
	default:
		return w, fmt.Errorf("%w %T", ErrUnknownType, ev)
	}
	return w, nil
}
