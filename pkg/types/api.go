package types

// InitializeRequest is the body of POST /initialize.
type InitializeRequest struct {
	// Model identifier to resolve and load (e.g. a Hugging Face repo id).
	// example: Qwen/Qwen2-VL-2B-Instruct
	ModelName string `json:"model_name" example:"Qwen/Qwen2-VL-2B-Instruct"`
}

// MessageResponse carries an in-band status message.
type MessageResponse struct {
	// One of "Model already loaded.", "Model loaded.", "Model not found.", "Model not loaded."
	// example: Model loaded.
	Message string `json:"message" example:"Model loaded."`
}

// ContentItem is one content part of a chat message.
type ContentItem struct {
	// example: Say hi.
	Text string `json:"text" example:"Say hi."`
}

// ChatMessage groups content parts.
type ChatMessage struct {
	Content []ContentItem `json:"content"`
}

// ChatRequest is the body of the generation routes. Only System and the first
// message's first content item are consumed.
type ChatRequest struct {
	// System instruction passed as chat context.
	// example: You are terse.
	System   string        `json:"system" example:"You are terse."`
	Messages []ChatMessage `json:"messages"`
}

// Prompt returns messages[0].content[0].text and whether it was present.
func (r ChatRequest) Prompt() (string, bool) {
	if len(r.Messages) == 0 || len(r.Messages[0].Content) == 0 {
		return "", false
	}
	return r.Messages[0].Content[0].Text, true
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Session state: empty, loading, ready or error.
	// example: ready
	State string `json:"state" example:"ready"`
	// Loaded model, if any.
	Model *LoadedModel `json:"model,omitempty"`
	// Requests waiting for a generation slot.
	// example: 0
	QueueLen int `json:"queue_len" example:"0"`
	// Generations currently running.
	// example: 1
	Inflight int `json:"inflight" example:"1"`
	// Maximum waiting requests before backpressure triggers.
	// example: 4
	MaxQueueDepth int `json:"max_queue_depth" example:"4"`
	// Total successful model loads.
	// example: 1
	LoadsTotal uint64 `json:"loads_total" example:"1"`
	// Total completed generations.
	// example: 12
	GenerationsTotal uint64 `json:"generations_total" example:"12"`
	// Last error observed by the session (if any).
	LastError string `json:"last_error,omitempty"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}
