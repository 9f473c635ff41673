package harness

// Trace is the deterministic record of one scenario run. Times are offsets
// from the start of the run.
type Trace struct {
	Scenario string        `json:"scenario"`
	Steps    []StepRecord  `json:"steps"`
	Writes   []WriteRecord `json:"writes"`
	Events   []EventRecord `json:"events"`
	Final    Final         `json:"final"`
}

// StepRecord is one executed step.
type StepRecord struct {
	Index  int    `json:"index"`
	Op     string `json:"op"`
	At     string `json:"at"`
	Detail string `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
}

// WriteRecord is one remote write attempt.
type WriteRecord struct {
	At     string         `json:"at"`
	Batch  string         `json:"batch"`
	Fields map[string]any `json:"fields"`
	Items  []string       `json:"items"`
	Error  string         `json:"error,omitempty"`
}

// EventRecord is one sync or error event from the bus.
type EventRecord struct {
	At     string `json:"at"`
	Name   string `json:"name"`
	Detail string `json:"detail,omitempty"`
}

// Final is the state after the last step.
type Final struct {
	Queued        int            `json:"queued"`
	Pending       int            `json:"pending"`
	Failed        int            `json:"failed"`
	Succeeded     int            `json:"succeeded"`
	Batches       int            `json:"batches"`
	FailedBatches int            `json:"failed_batches"`
	Failures      []Failure      `json:"failures,omitempty"`
	Remote        map[string]any `json:"remote"`
	Validation    map[string]any `json:"validation,omitempty"`
}

// Failure is an item that exhausted its retries.
type Failure struct {
	Item    string `json:"item"`
	Path    string `json:"path"`
	Field   string `json:"field"`
	Retries int    `json:"retries"`
	Error   string `json:"error"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every assertion held.
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`
	Trace  Trace    `json:"trace"`
}

// AddError records a failed assertion.
func (r *Result) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.Pass = false
}
