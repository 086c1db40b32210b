package handler

// SignupRequest is the body of POST /consent/signup/{sourceID}.
// Confirmation, when set, asks for email confirmation even on sources that do
// not require it; it cannot waive a source's requirement.
type SignupRequest struct {
	Email        string `json:"email" validate:"required,email,max=254"`
	Confirmation *bool  `json:"confirmation,omitempty"`
}
