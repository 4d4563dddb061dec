package domain

import (
	"encoding"
	"errors"
	"strings"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var (
	_ encoding.BinaryMarshaler = Status("")
	_ encoding.TextMarshaler   = Status("")
)

func (s Status) MarshalBinary() ([]byte, error) { return []byte(string(s)), nil }
func (s Status) MarshalText() ([]byte, error)   { return []byte(string(s)), nil }

// Rank orders statuses: queued < running < {completed, failed}.
// Unknown statuses rank below queued.
func (s Status) Rank() int {
	switch s {
	case StatusQueued:
		return 1
	case StatusRunning:
		return 2
	case StatusCompleted, StatusFailed:
		return 3
	default:
		return 0
	}
}

func (s Status) Valid() bool { return s.Rank() > 0 }

func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Advances reports whether moving from s to next keeps the status sequence
// non-decreasing. Terminal statuses accept nothing, not even themselves.
func (s Status) Advances(next Status) bool {
	if !next.Valid() || s.Terminal() {
		return false
	}
	return next.Rank() >= s.Rank()
}

func ParseStatus(v string) (Status, bool) {
	s := Status(strings.ToLower(strings.TrimSpace(v)))
	return s, s.Valid()
}

type Location struct {
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
}

var ErrLocationName = errors.New("location name is required")

func (l Location) Normalize() (Location, error) {
	l.Name = strings.TrimSpace(l.Name)
	if l.Name == "" {
		return l, ErrLocationName
	}
	return l, nil
}

// OwnerRef identifies the principal that created a task. Exactly one field is set.
type OwnerRef struct {
	UserID      string `json:"userId,omitempty"`
	AnonymousID string `json:"anonymousId,omitempty"`
}

var ErrOwnerRef = errors.New("owner must be either a user or an anonymous session")

func UserOwner(id string) OwnerRef      { return OwnerRef{UserID: strings.TrimSpace(id)} }
func AnonymousOwner(id string) OwnerRef { return OwnerRef{AnonymousID: strings.TrimSpace(id)} }

func (o OwnerRef) Validate() error {
	if (o.UserID == "") == (o.AnonymousID == "") {
		return ErrOwnerRef
	}
	return nil
}

func (o OwnerRef) IsUser() bool { return o.UserID != "" }

// Key is a stable string usable as a storage or rate-limit subject.
func (o OwnerRef) Key() string {
	if o.UserID != "" {
		return "user:" + o.UserID
	}
	if o.AnonymousID != "" {
		return "anon:" + o.AnonymousID
	}
	return ""
}

func (o OwnerRef) Equal(other OwnerRef) bool {
	return o.UserID == other.UserID && o.AnonymousID == other.AnonymousID
}

type Progress struct {
	CurrentStep int `json:"currentStep"`
	TotalSteps  int `json:"totalSteps"`
}

type Source struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
	DOI     string `json:"doi,omitempty"`
	Source  string `json:"source,omitempty"`
}

type Image struct {
	URL   string `json:"image_url"`
	Title string `json:"title,omitempty"`
	Type  string `json:"image_type,omitempty"`
}

type ResearchTask struct {
	ID         string   `json:"id"`
	ExternalID string   `json:"deepresearchId,omitempty"`
	Owner      OwnerRef `json:"owner"`
	Location   Location `json:"location"`
	Status     Status   `json:"status"`
	Progress   Progress `json:"progress"`
	Output     string   `json:"output,omitempty"`
	Sources    []Source `json:"sources,omitempty"`
	Images     []Image  `json:"images,omitempty"`
	Error      string   `json:"error,omitempty"`
	// LocationImages holds the share gallery in its stored double-encoded form.
	LocationImages string     `json:"locationImages,omitempty"`
	ReportURL      string     `json:"reportUrl,omitempty"`
	IsPublic       bool       `json:"isPublic"`
	ShareToken     string     `json:"shareToken,omitempty"`
	SharedAt       *time.Time `json:"sharedAt,omitempty"`
	// TraceParent/TraceState correlate the relay, polls and the completion callback.
	TraceParent string     `json:"traceParent,omitempty"`
	TraceState  string     `json:"traceState,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Key prefers the external id once known.
func (t *ResearchTask) Key() string {
	if t.ExternalID != "" {
		return t.ExternalID
	}
	return t.ID
}

// ApplyStatus moves the task forward and stamps completion. It returns false
// when the update would regress or touch a terminal task.
func (t *ResearchTask) ApplyStatus(next Status, errMsg string, now time.Time) bool {
	if next == t.Status && !next.Terminal() {
		return true
	}
	if !t.Status.Advances(next) {
		return false
	}
	t.Status = next
	t.UpdatedAt = now
	if next.Terminal() {
		at := now
		t.CompletedAt = &at
	}
	if next == StatusFailed {
		t.Error = errMsg
	}
	return true
}

// Clone returns a deep copy of the task.
func (t *ResearchTask) Clone() *ResearchTask {
	if t == nil {
		return nil
	}
	c := *t
	c.Sources = append([]Source(nil), t.Sources...)
	c.Images = append([]Image(nil), t.Images...)
	if t.SharedAt != nil {
		at := *t.SharedAt
		c.SharedAt = &at
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}
