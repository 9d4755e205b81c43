package search

// Status values reported in Diagnostics.
const (
	StatusNotCalled = "not called"
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusFailed    = "failed"
)

// MaskedAPIKey replaces the real key wherever request parameters are echoed.
const MaskedAPIKey = "***masked***"

// Params echoes the request that was sent to the search provider.
type Params struct {
	Query       string `json:"query"`
	MaxResults  int    `json:"max_results"`
	SearchDepth string `json:"search_depth"`
	APIKey      string `json:"api_key"`
}

// Diagnostics describes one search attempt. It is returned to callers as
// tavily_info and is never an error.
type Diagnostics struct {
	Called       bool    `json:"called"`
	Status       string  `json:"status"`
	Success      bool    `json:"success"`
	Params       *Params `json:"params"`
	HTTPStatus   *int    `json:"http_status"`
	ResultsCount int     `json:"results_count"`
	Error        *string `json:"error"`
	Cached       bool    `json:"cached"`
}

// NotCalled is the diagnostics value when search was not requested.
func NotCalled() Diagnostics {
	return Diagnostics{Status: StatusNotCalled}
}

// ErrorText returns the recorded error or "".
func (d Diagnostics) ErrorText() string {
	if d.Error == nil {
		return ""
	}
	return *d.Error
}

func (d *Diagnostics) fail(msg string) {
	d.Success = false
	d.Error = &msg
}

// finish derives Status from the other fields.
func (d *Diagnostics) finish() {
	switch {
	case d.Success:
		d.Status = StatusSuccess
	case d.Error != nil:
		d.Status = StatusError
	default:
		d.Status = StatusFailed
	}
}
