// Package pollo provides an HTTP client for the Pollo generation platform API.
package pollo

// Status is the generation status vocabulary used by Pollo.
type Status string

// Pollo generation statuses.
const (
	StatusWaiting    Status = "waiting"
	StatusProcessing Status = "processing"
	StatusSucceed    Status = "succeed"
	StatusFailed     Status = "failed"
)

// IsTerminal returns true if the status is a terminal state.
func (s Status) IsTerminal() bool {
	return s == StatusSucceed || s == StatusFailed
}

// Model addresses a model on the platform as brand/model.
type Model struct {
	Brand string
	Name  string
}

// Input is the generation input. Image and ImageTail accept a URL or a
// base64 data URI.
type Input struct {
	Prompt         string `json:"prompt,omitempty"`
	NegativePrompt string `json:"negativePrompt,omitempty"`
	Image          string `json:"image,omitempty"`
	ImageTail      string `json:"imageTail,omitempty"`
	Length         int    `json:"length"`
	Resolution     string `json:"resolution,omitempty"`
	Seed           *int64 `json:"seed,omitempty"`
}

type generationRequest struct {
	Input      Input  `json:"input"`
	WebhookURL string `json:"webhookUrl,omitempty"`
}

// submitData is the submit payload, flat or inside data.
type submitData struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"`
}

// statusData is the status payload, flat or inside data.
type statusData struct {
	TaskID      string       `json:"taskId"`
	Status      string       `json:"status"`
	Generations []generation `json:"generations"`
}

type generation struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	FailMsg   string `json:"failMsg"`
	URL       string `json:"url"`
	MediaType string `json:"mediaType"`
}

// Task is a decoded Pollo task.
type Task struct {
	ID            string
	Status        Status
	StatusMessage string
	VideoURL      string
	StatusURL     string
}
