package models

// AnalysisJob is the queue message dispatching one analysis to a worker.
type AnalysisJob struct {
	AnalysisID string `json:"analysis_id"`
	UserID     string `json:"user_id"`
}

// TaskResult is the small summary the pipeline returns to the worker loop.
// Either ReportID/Score are set (success) or ErrorCode/ErrorMessage are.
type TaskResult struct {
	AnalysisID   string `json:"analysis_id"`
	ReportID     string `json:"report_id,omitempty"`
	Score        int    `json:"score,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Failed reports whether the pipeline ended in a terminal failure.
func (r TaskResult) Failed() bool { return r.ErrorCode != "" }
