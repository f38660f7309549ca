// Package graph implements a Provider that submits stored messages through
// the Microsoft Graph sendMail API.
package graph

import (
	"encoding/base64"
	"strings"

	"github.com/shineum/smtp-outbox/internal/message"
)

// sendMailRequest is the top-level request body for the Graph API sendMail endpoint.
type sendMailRequest struct {
	Message         sendMailMessage `json:"message"`
	SaveToSentItems bool            `json:"saveToSentItems"`
}

// sendMailMessage represents the message portion of a sendMail request.
type sendMailMessage struct {
	Subject       string            `json:"subject"`
	Body          messageBody       `json:"body"`
	From          *recipient        `json:"from,omitempty"`
	ToRecipients  []recipient       `json:"toRecipients"`
	CcRecipients  []recipient       `json:"ccRecipients,omitempty"`
	BccRecipients []recipient       `json:"bccRecipients,omitempty"`
	Attachments   []graphAttachment `json:"attachments,omitempty"`
}

// messageBody represents the body of an email message.
type messageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type emailAddress struct {
	Address string `json:"address"`
}

// graphAttachment represents a file attachment in a Graph API request.
type graphAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes string `json:"contentBytes"`
}

// graphErrorResponse represents an error response from the Graph API.
type graphErrorResponse struct {
	Error graphError `json:"error"`
}

type graphError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// buildSendMailRequest addresses content to recipients only. Recipients
// listed in the To or Cc header keep that role; every other recipient is
// sent as Bcc so the visible headers stay as composed.
func buildSendMailRequest(from string, c *message.Content, recipients []string) *sendMailRequest {
	body := messageBody{
		ContentType: "text",
		Content:     c.TextBody,
	}
	if c.HTMLBody != "" {
		body.ContentType = "html"
		body.Content = c.HTMLBody
	}

	roles := make(map[string]string, len(c.To)+len(c.Cc))
	for _, addr := range c.Cc {
		roles[strings.ToLower(addr)] = "cc"
	}
	for _, addr := range c.To {
		roles[strings.ToLower(addr)] = "to"
	}

	msg := sendMailMessage{
		Subject:      c.Subject,
		Body:         body,
		ToRecipients: []recipient{},
	}
	if from != "" {
		msg.From = &recipient{EmailAddress: emailAddress{Address: from}}
	}
	for _, addr := range recipients {
		r := recipient{EmailAddress: emailAddress{Address: addr}}
		switch roles[strings.ToLower(addr)] {
		case "to":
			msg.ToRecipients = append(msg.ToRecipients, r)
		case "cc":
			msg.CcRecipients = append(msg.CcRecipients, r)
		default:
			msg.BccRecipients = append(msg.BccRecipients, r)
		}
	}

	for _, att := range c.Attachments {
		msg.Attachments = append(msg.Attachments, graphAttachment{
			ODataType:    "#microsoft.graph.fileAttachment",
			Name:         att.Filename,
			ContentType:  att.ContentType,
			ContentBytes: base64.StdEncoding.EncodeToString(att.Content),
		})
	}

	return &sendMailRequest{Message: msg, SaveToSentItems: true}
}
