package email

import "context"

// Sender is responsible for actually delivering an email. Implementations own
// transport concerns; callers own templating and recipient selection.
type Sender interface {
	Send(ctx context.Context, from, recipient Address, subject, body string) error
}
