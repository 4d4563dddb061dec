package lifecycle

import (
	"github.com/osvaldoandrade/historia/pkg/domain"
)

// Authority names the component whose updates the controller currently applies.
type Authority string

const (
	AuthorityNone   Authority = ""
	AuthorityStream Authority = "stream"
	AuthorityPoller Authority = "poller"
)

// DefaultTotalSteps is assumed when a progress update omits the total.
const DefaultTotalSteps = 10

// ViewModel is the controller's in-memory picture of one task. An empty
// Status means idle.
type ViewModel struct {
	LocalID   string
	TaskID    string
	Location  domain.Location
	Status    domain.Status
	Progress  domain.Progress
	Output    string
	Sources   []domain.Source
	Images    []domain.Image
	Messages  []domain.Message
	Error     string
	Polling   bool
	Authority Authority
}

func (v ViewModel) Idle() bool { return v.Status == "" }

// Key prefers the external task id over the local one.
func (v ViewModel) Key() string {
	if v.TaskID != "" {
		return v.TaskID
	}
	return v.LocalID
}

func (v ViewModel) Timeline() []domain.TimelineItem {
	return domain.BuildTimeline(v.Messages)
}

func (v ViewModel) clone() ViewModel {
	out := v
	out.Sources = append([]domain.Source(nil), v.Sources...)
	out.Images = append([]domain.Image(nil), v.Images...)
	out.Messages = domain.CloneMessages(v.Messages)
	return out
}

// mergeSnapshot copies poll results without letting an empty field blank
// content that is already present.
func (v *ViewModel) mergeSnapshot(s domain.StatusSnapshot) {
	if len(s.Messages) > 0 {
		v.Messages = domain.CloneMessages(s.Messages)
	}
	if s.Output != "" {
		v.Output = s.Output
	}
	if len(s.Sources) > 0 {
		v.Sources = append([]domain.Source(nil), s.Sources...)
	}
	if len(s.Images) > 0 {
		v.Images = append([]domain.Image(nil), s.Images...)
	}
	if s.TotalSteps > 0 {
		v.Progress = domain.Progress{CurrentStep: s.CurrentStep, TotalSteps: s.TotalSteps}
	}
}
