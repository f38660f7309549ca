package message

import (
	"bufio"
	"context"
	"fmt"
	"mime"
	"net/mail"
	"strings"

	"github.com/shineum/smtp-outbox/internal/email"
)

// Summary is the part of a stored message's header the delivery side cares
// about.
type Summary struct {
	From      string
	To        []string
	Cc        []string
	Subject   string
	MessageID string
}

// Inspect reads only the header block of src. The body is never read.
func Inspect(ctx context.Context, src email.Source) (Summary, error) {
	rc, err := src.Open(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to open message: %w", err)
	}
	defer rc.Close()

	msg, err := mail.ReadMessage(bufio.NewReader(rc))
	if err != nil {
		return Summary{}, fmt.Errorf("failed to parse message header: %w", err)
	}

	return Summary{
		From:      firstAddress(msg.Header.Get("From")),
		To:        parseAddressList(msg.Header.Get("To")),
		Cc:        parseAddressList(msg.Header.Get("Cc")),
		Subject:   decodeHeader(msg.Header.Get("Subject")),
		MessageID: strings.Trim(strings.TrimSpace(msg.Header.Get("Message-Id")), "<>"),
	}, nil
}

func firstAddress(raw string) string {
	list := parseAddressList(raw)
	if len(list) == 0 {
		return ""
	}
	return list[0]
}

// parseAddressList splits a comma-separated address list into bare
// addresses, falling back to a plain split when RFC 5322 parsing fails.
func parseAddressList(raw string) []string {
	if raw == "" {
		return nil
	}

	addresses, err := mail.ParseAddressList(raw)
	if err != nil {
		parts := strings.Split(raw, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}

	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		result = append(result, addr.Address)
	}
	return result
}

func decodeHeader(v string) string {
	dec := new(mime.WordDecoder)
	if s, err := dec.DecodeHeader(v); err == nil {
		return s
	}
	return v
}
