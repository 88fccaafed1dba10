package model

// SyncResult summarizes one metadata sync pass.
type SyncResult struct {
	Outcome         Outcome `json:"outcome"`
	Skipped         string  `json:"skipped,omitempty"`
	Imported        int     `json:"imported"`
	PulledCalls     int     `json:"pulled_calls"`
	PulledPersons   int     `json:"pulled_persons"`
	PushedNew       int     `json:"pushed_new"`
	PushedUpdates   int     `json:"pushed_updates"`
	Excluded        int     `json:"excluded"`
	FailedCalls     int     `json:"failed_calls"`
	PushedPersons   int     `json:"pushed_persons"`
	BatchCalls      int     `json:"batch_calls"`
	CursorMs        int64   `json:"cursor_ms"`
	UploadTriggered bool    `json:"upload_triggered"`
}

// UploadResult summarizes one recording upload pass.
type UploadResult struct {
	Outcome         Outcome `json:"outcome"`
	Skipped         string  `json:"skipped,omitempty"`
	Recovered       int     `json:"recovered"`
	Retried         int     `json:"retried"`
	NotApplicable   int     `json:"not_applicable"`
	AlreadyComplete int     `json:"already_complete"`
	Uploaded        int     `json:"uploaded"`
	Failed          int     `json:"failed"`
	NotFound        int     `json:"not_found"`
	ChunksSent      int     `json:"chunks_sent"`
}

// MatchResult summarizes one full reattachment pass.
type MatchResult struct {
	Calls           int  `json:"calls"`
	Files           int  `json:"files"`
	Changed         int  `json:"changed"`
	UploadTriggered bool `json:"upload_triggered"`
}
