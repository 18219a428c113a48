// Package kling provides an HTTP client for the Kling video generation API.
package kling

// TaskStatus is the task_status vocabulary used by Kling.
type TaskStatus string

// Kling task statuses.
const (
	StatusSubmitted  TaskStatus = "submitted"
	StatusProcessing TaskStatus = "processing"
	StatusSucceed    TaskStatus = "succeed"
	StatusFailed     TaskStatus = "failed"
)

// IsTerminal returns true if the status is a terminal state.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusSucceed || s == StatusFailed
}

// Mode selects the Kling generation quality mode.
type Mode string

// Generation modes.
const (
	ModeStandard     Mode = "std"
	ModeProfessional Mode = "pro"
)

// Endpoint is the task family a request belongs to.
type Endpoint string

// Task families.
const (
	EndpointText2Video  Endpoint = "text2video"
	EndpointImage2Video Endpoint = "image2video"
)

// CameraControl describes a camera movement.
type CameraControl struct {
	Type   string        `json:"type"`
	Config *CameraConfig `json:"config,omitempty"`
}

// CameraConfig holds per-axis movement for the "simple" camera type.
// Exactly one axis should be non-zero.
type CameraConfig struct {
	Horizontal float64 `json:"horizontal"`
	Vertical   float64 `json:"vertical"`
	Pan        float64 `json:"pan"`
	Tilt       float64 `json:"tilt"`
	Roll       float64 `json:"roll"`
	Zoom       float64 `json:"zoom"`
}

// GenerationRequest is the body of a text2video or image2video submission.
// Image and ImageTail are raw base64 without a data URI prefix.
type GenerationRequest struct {
	ModelName      string         `json:"model_name"`
	Prompt         string         `json:"prompt,omitempty"`
	NegativePrompt string         `json:"negative_prompt,omitempty"`
	Mode           Mode           `json:"mode,omitempty"`
	Duration       string         `json:"duration"`
	AspectRatio    string         `json:"aspect_ratio,omitempty"`
	CfgScale       float64        `json:"cfg_scale,omitempty"`
	Image          string         `json:"image,omitempty"`
	ImageTail      string         `json:"image_tail,omitempty"`
	CameraControl  *CameraControl `json:"camera_control,omitempty"`
}

// Endpoint returns the task family for the request.
func (r GenerationRequest) Endpoint() Endpoint {
	if r.Image != "" {
		return EndpointImage2Video
	}
	return EndpointText2Video
}

// taskData is the data member of a Kling task envelope.
type taskData struct {
	TaskID        string     `json:"task_id"`
	TaskStatus    string     `json:"task_status"`
	TaskStatusMsg string     `json:"task_status_msg"`
	CreatedAt     int64      `json:"created_at"`
	UpdatedAt     int64      `json:"updated_at"`
	TaskResult    taskResult `json:"task_result"`
}

type taskResult struct {
	Videos []taskVideo `json:"videos"`
}

type taskVideo struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Duration string `json:"duration"`
}

// Task is a decoded Kling task.
type Task struct {
	ID            string
	Status        TaskStatus
	StatusMessage string
	VideoURL      string
	// StatusURL is where the task's status can be queried.
	StatusURL string
}

// cameraPresets are Kling's named camera movements.
var cameraPresets = map[string]bool{
	"down_back":          true,
	"forward_up":         true,
	"right_turn_forward": true,
	"left_turn_forward":  true,
}

// simpleMoves map short hints to a single-axis "simple" movement.
var simpleMoves = map[string]CameraConfig{
	"zoom_in":    {Zoom: 5},
	"zoom_out":   {Zoom: -5},
	"pan_left":   {Horizontal: -5},
	"pan_right":  {Horizontal: 5},
	"tilt_up":    {Tilt: 5},
	"tilt_down":  {Tilt: -5},
	"rise":       {Vertical: 5},
	"descend":    {Vertical: -5},
	"roll_left":  {Roll: -5},
	"roll_right": {Roll: 5},
}

// CameraFor maps a free-form camera hint to a Kling camera control.
// It reports false when the hint has no Kling equivalent.
func CameraFor(hint string) (*CameraControl, bool) {
	if cameraPresets[hint] {
		return &CameraControl{Type: hint}, true
	}
	if cfg, ok := simpleMoves[hint]; ok {
		c := cfg
		return &CameraControl{Type: "simple", Config: &c}, true
	}
	return nil, false
}
