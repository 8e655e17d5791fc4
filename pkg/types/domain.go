package types

// LoadedModel describes the model held by the server session.
type LoadedModel struct {
	// Handle identity, stable for the process lifetime.
	// example: 9b2f6c1e-3f0a-4c55-9d8e-2b7a1f0c4d11
	ID string `json:"id" example:"9b2f6c1e-3f0a-4c55-9d8e-2b7a1f0c4d11"`
	// Model identifier passed to /initialize.
	// example: Qwen/Qwen2-VL-2B-Instruct
	Name string `json:"name" example:"Qwen/Qwen2-VL-2B-Instruct"`
	// Handle variant: text or vision.
	// example: vision
	Variant string `json:"variant" example:"vision"`
	// Compute device selected at construction.
	// example: cuda
	Device string `json:"device" example:"cuda"`
	// Unix seconds when loading completed.
	// example: 1700000000
	LoadedAt int64 `json:"loaded_at_unix" example:"1700000000"`
}
