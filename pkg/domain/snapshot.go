package domain

// StatusSnapshot is the body returned by a status poll.
type StatusSnapshot struct {
	Status      Status    `json:"status"`
	CurrentStep int       `json:"current_step,omitempty"`
	TotalSteps  int       `json:"total_steps,omitempty"`
	Output      string    `json:"output,omitempty"`
	Sources     []Source  `json:"sources,omitempty"`
	Images      []Image   `json:"images,omitempty"`
	Messages    []Message `json:"messages,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// DefaultFailureReason is used when a failed task reports no error text.
const DefaultFailureReason = "Research task failed"

func (s StatusSnapshot) FailureReason() string {
	if s.Error != "" {
		return s.Error
	}
	return DefaultFailureReason
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SubmitRequest is the body of a research submission.
type SubmitRequest struct {
	Messages     []ChatMessage `json:"messages"`
	Location     Location      `json:"location"`
	Instructions string        `json:"instructions,omitempty"`
}

// Query returns the research prompt, preferring the last user message.
func (r SubmitRequest) Query() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser && r.Messages[i].Content != "" {
			return r.Messages[i].Content
		}
	}
	return ResearchPrompt(r.Location.Name)
}

func ResearchPrompt(locationName string) string {
	return "Research the history of " + locationName
}
