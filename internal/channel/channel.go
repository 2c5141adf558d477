// Package channel abstracts the outbound message delivery transport.
// The push-mode driver calls it synchronously per recipient; the wire
// protocol behind it (WhatsApp Cloud API or otherwise) is not our
// concern here.
package channel

import "context"

type Channel interface {
	Send(ctx context.Context, phone, content string, attachmentURL *string) error
}
