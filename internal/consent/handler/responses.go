package handler

// SourceResponse carries the source identity with name and definition already
// resolved for the request language.
type SourceResponse struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Definition string `json:"definition,omitempty"`
}

// SignupResponse is returned from POST /consent/signup/{sourceID}.
// State is "pending" while the address awaits confirmation.
type SignupResponse struct {
	RecordID int64          `json:"record_id"`
	State    string         `json:"state"`
	Source   SourceResponse `json:"source"`
}

// ActionResponse is returned from the emailed-link routes. UndoToken and
// UndoURL are present after the unsubscribe actions so the page can offer a
// one-click undo.
type ActionResponse struct {
	Action    string `json:"action"`
	RecordID  int64  `json:"record_id"`
	State     string `json:"state"`
	UndoToken string `json:"undo_token,omitempty"`
	UndoURL   string `json:"undo_url,omitempty"`
}
