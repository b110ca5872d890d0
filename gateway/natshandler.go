package gateway

import (
	"context"
	"encoding/json"

	"github.com/c360/devlink/errors"
	"github.com/c360/devlink/message"
	"github.com/c360/devlink/natsclient"
)

// DefaultSubjectPrefix is the root of the downstream message subject space.
const DefaultSubjectPrefix = "devlink.messages"

// NATSHandler returns a Handler publishing each message to NATS under
// <prefix>.<type>.<deviceId>. This is the default downstream sink; domain
// services subscribe to the subject space.
func NATSHandler(client *natsclient.Client, prefix string) Handler {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return func(_ context.Context, msg *message.Message) error {
		data, err := json.Marshal(msg)
		if err != nil {
			return errors.WrapInvalid(err, "gateway", "NATSHandler", "marshal failed")
		}
		subject := prefix + "." + string(msg.Type) + "." + msg.DeviceID
		if err := client.Publish(subject, data); err != nil {
			return errors.WrapTransient(err, "gateway", "NATSHandler", "publish failed")
		}
		return nil
	}
}
