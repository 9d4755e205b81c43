package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// DisplayLayout is the human-readable timestamp format used in chat history.
const DisplayLayout = "2006-01-02 15:04:05"

// Memory status values recorded on an interaction.
const (
	MemoryStored           = "stored"
	MemoryPendingEmbedding = "pending_embedding"
)

// Interaction is one recorded question/answer exchange.
type Interaction struct {
	ID               string    `json:"id"`
	CreatedAt        time.Time `json:"timestamp"`
	DisplayTimestamp string    `json:"display_timestamp"`
	Question         string    `json:"question"`
	Answer           string    `json:"answer"`
	Images           []string  `json:"images"`
	Files            []FileRef `json:"files"`
	Personality      string    `json:"personality,omitempty"`
	UsedMemory       bool      `json:"used_memory"`
	UsedSearch       bool      `json:"used_search"`
	MemoryStatus     string    `json:"memory_status"`
}

// FileRef points at an attached file. Local files were supplied inline and
// their Ref carries the "local:" tag instead of a stored path.
type FileRef struct {
	Name  string `json:"name"`
	Ref   string `json:"ref"`
	Local bool   `json:"local"`
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
