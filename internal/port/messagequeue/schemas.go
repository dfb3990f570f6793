package messagequeue

// SessionCreatedPayload is the schema for sessions.created messages.
type SessionCreatedPayload struct {
	SessionID   string `json:"session_id"`
	Name        string `json:"name"`
	ChecklistID string `json:"checklist_id"`
}

// StagePayload is the schema for sessions.stage.* messages.
type StagePayload struct {
	SessionID string `json:"session_id"`
	Stage     string `json:"stage"`
	Seq       int    `json:"seq,omitempty"`
	Status    string `json:"status,omitempty"`
	Total     int    `json:"total,omitempty"`
	Succeeded int    `json:"succeeded,omitempty"`
	Failed    int    `json:"failed,omitempty"`
	Error     string `json:"error,omitempty"`
}

// DocumentResultPayload is the schema for sessions.document.result messages.
type DocumentResultPayload struct {
	SessionID  string `json:"session_id"`
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
	Attempts   int    `json:"attempts"`
	ErrorKind  string `json:"error_kind,omitempty"`
	Evidence   int    `json:"evidence"`
}

// ReviewSubmittedPayload is the schema for sessions.review.submitted messages.
type ReviewSubmittedPayload struct {
	SessionID string `json:"session_id"`
	Action    string `json:"action"`
	Target    string `json:"target,omitempty"`
	Reviewer  string `json:"reviewer,omitempty"`
}
