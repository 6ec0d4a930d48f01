package importer

import "encoding/json"

// Import phases reported in the progress document.
const (
	PhaseStarting  = "starting"
	PhaseImporting = "importing"
	PhaseDone      = "done"
)

// Progress is the document persisted into the job's result column while
// an import runs. Counters only ever grow within a run.
type Progress struct {
	Phase       string `json:"phase"`
	Total       *int64 `json:"total"` // nil when the source count is unknown
	Processed   int64  `json:"processed"`
	Inserted    int64  `json:"inserted"`
	Skipped     int64  `json:"skipped"`
	Errors      int64  `json:"errors"`
	FolderCount int    `json:"folder_count"`
	LastError   string `json:"last_error,omitempty"`
}

func (p *Progress) marshal() []byte {
	b, err := json.Marshal(p)
	if err != nil {
		// Progress only holds numbers and strings; this cannot fail.
		return []byte(`{}`)
	}
	return b
}
