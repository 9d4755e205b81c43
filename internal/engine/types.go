package engine

// Message represents a chat message. Images holds raw image bytes; each
// engine encodes them the way its wire format requires.
type Message struct {
	Role    string
	Content string
	Images  [][]byte
}

// PullProgress reports download progress for a model pull operation.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}
