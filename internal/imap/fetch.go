package imap

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap"
	"github.com/vdavid/vmail/accountsync/internal/models"
)

// FetchHeaders fetches the header summaries of messages from..to (sequence numbers, inclusive)
// of the selected mailbox.
func (cc *clientConn) FetchHeaders(ctx context.Context, from, to uint32) ([]models.MessageHeader, error) {
	if from == 0 || to < from {
		return []models.MessageHeader{}, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(from, to)

	items := []imap.FetchItem{
		imap.FetchEnvelope,
		imap.FetchFlags,
		imap.FetchInternalDate,
		imap.FetchUid,
	}

	var result []models.MessageHeader
	err := cc.run(ctx, func() error {
		messages := make(chan *imap.Message, to-from+1)
		done := make(chan error, 1)
		go func() {
			done <- cc.c.Fetch(seqSet, items, messages)
		}()
		for msg := range messages {
			result = append(result, messageHeader(msg))
		}
		return <-done
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	return result, nil
}

// messageHeader converts a FETCH response to the cached header summary.
// The envelope date wins over the internal date when both are present.
func messageHeader(msg *imap.Message) models.MessageHeader {
	h := models.MessageHeader{
		UID:   msg.Uid,
		Date:  msg.InternalDate,
		Flags: append([]string(nil), msg.Flags...),
	}
	for _, f := range msg.Flags {
		if f == imap.DeletedFlag {
			h.Deleted = true
		}
	}
	if msg.Envelope != nil {
		h.Subject = msg.Envelope.Subject
		if len(msg.Envelope.From) > 0 {
			h.From = formatAddress(msg.Envelope.From[0])
		}
		if !msg.Envelope.Date.IsZero() {
			h.Date = msg.Envelope.Date
		}
	}
	return h
}

// formatAddress formats an IMAP address to a string.
func formatAddress(address *imap.Address) string {
	if address == nil {
		return ""
	}

	if address.MailboxName == "" && address.HostName == "" {
		return ""
	}

	if address.PersonalName != "" {
		return fmt.Sprintf("%s <%s@%s>", address.PersonalName, address.MailboxName, address.HostName)
	}

	return fmt.Sprintf("%s@%s", address.MailboxName, address.HostName)
}
