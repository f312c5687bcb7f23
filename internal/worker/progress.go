package worker

import "encoding/json"

// Progress is the structured subset of a downloader-tool progress line, per
// spec.md §4.9 step 5.
type Progress struct {
	DownloadedBytes int64   `json:"downloaded_bytes"`
	TotalBytes      int64   `json:"total_bytes"`
	Speed           float64 `json:"speed"`
	ETA             int     `json:"eta"`
	Status          string  `json:"status"`
}

// parseProgressLine attempts to decode line as a progress object. A parse
// failure is not an error the caller should propagate — per spec.md §4.9's
// failure semantics, it is logged and progress shows as unknown — so this
// returns ok=false rather than an error.
func parseProgressLine(line string) (Progress, bool) {
	var p Progress
	if err := json.Unmarshal([]byte(line), &p); err != nil {
		return Progress{}, false
	}
	if p.Status == "" && p.TotalBytes == 0 && p.DownloadedBytes == 0 {
		return Progress{}, false
	}
	return p, true
}
