package telegram

import (
	"context"
	"fmt"

	"github.com/mtwarden/mtwarden/internal/notify"
)

// Notifier delivers credential notifications as direct messages. Users
// who never started a conversation with the bot cannot be messaged;
// the engine treats that as a logged, non-fatal delivery failure.
type Notifier struct {
	client *Client
}

func NewNotifier(client *Client) *Notifier {
	return &Notifier{client: client}
}

func (n *Notifier) Notify(ctx context.Context, userID int64, msg notify.Message) error {
	var text string
	switch msg.Kind {
	case notify.KindAccessGranted:
		text = fmt.Sprintf("Your personal proxy is ready.\n\nTap to connect: %s\n\nStay in the channel to keep access.", msg.Link)
	case notify.KindAccessRevoked:
		text = "Your proxy access has been deactivated because you left the channel. Rejoin to get a new one."
	case notify.KindProvisioningFailed:
		text = "We could not set up your proxy right now. The admins have been notified; please try again later."
	default:
		return fmt.Errorf("unknown message kind %q", msg.Kind)
	}

	return n.client.SendMessage(ctx, userID, text)
}
