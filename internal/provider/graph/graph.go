package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/shineum/smtp-outbox/internal/email"
	"github.com/shineum/smtp-outbox/internal/message"
)

// GraphProviderConfig holds the configuration for creating a GraphProvider.
type GraphProviderConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Sender       string
}

// GraphProvider sends messages via the Microsoft Graph API using OAuth2
// client credentials. It makes one sendMail call per attempt, plus one
// immediate replay when the token is refused.
type GraphProvider struct {
	graphURL   string
	httpClient *http.Client
	token      *tokenCache
}

// New creates a new GraphProvider with the given configuration.
func New(cfg GraphProviderConfig) *GraphProvider {
	tokenURL := fmt.Sprintf(
		"https://login.microsoftonline.com/%s/oauth2/v2.0/token",
		url.PathEscape(cfg.TenantID),
	)
	graphURL := fmt.Sprintf(
		"https://graph.microsoft.com/v1.0/users/%s/sendMail",
		url.PathEscape(cfg.Sender),
	)

	client := &http.Client{Timeout: 30 * time.Second}
	return newWithOverrides(cfg, graphURL, tokenURL, client)
}

// newWithOverrides creates a GraphProvider with custom URLs and HTTP client,
// used for testing.
func newWithOverrides(cfg GraphProviderConfig, graphURL, tokenURL string, client *http.Client) *GraphProvider {
	return &GraphProvider{
		graphURL:   graphURL,
		httpClient: client,
		token:      newTokenCache(tokenURL, cfg.ClientID, cfg.ClientSecret, client),
	}
}

// Deliver submits the stored message to recipients. Graph accepts or
// refuses the request as a whole, so every recipient shares the outcome.
func (g *GraphProvider) Deliver(ctx context.Context, _ email.Preferences, msg *email.OutgoingMessage, recipients []string) map[string]email.Outcome {
	if len(recipients) == 0 {
		return map[string]email.Outcome{}
	}

	content, err := message.Extract(ctx, msg.Source)
	if err != nil {
		return email.Fill(recipients, email.Transient(0, err))
	}

	bodyJSON, err := json.Marshal(buildSendMailRequest(msg.From, content, recipients))
	if err != nil {
		return email.Fill(recipients, email.Transient(0, fmt.Errorf("failed to marshal request body: %w", err)))
	}

	err = g.doSendRequest(ctx, bodyJSON)
	var sendErr *sendError
	if errors.As(err, &sendErr) && sendErr.statusCode == http.StatusUnauthorized {
		slog.Info("refreshing Graph API token after 401", "message_id", msg.ID)
		if _, refreshErr := g.token.ForceRefresh(); refreshErr != nil {
			err = &tokenError{err: refreshErr}
		} else {
			err = g.doSendRequest(ctx, bodyJSON)
		}
	}

	if err != nil {
		slog.Warn("Graph API error",
			"message_id", msg.ID,
			"recipients", len(recipients),
			"error", err,
		)
		return email.Fill(recipients, classify(err))
	}
	return email.Fill(recipients, email.Delivered())
}

// Name returns the provider name.
func (g *GraphProvider) Name() string {
	return "msgraph"
}

// doSendRequest performs a single HTTP request to the Graph API sendMail endpoint.
func (g *GraphProvider) doSendRequest(ctx context.Context, bodyJSON []byte) error {
	token, err := g.token.Token()
	if err != nil {
		return &tokenError{err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.graphURL, bytes.NewReader(bodyJSON))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	// HTTP 202 Accepted is success for sendMail
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return nil
	}

	body, _ := io.ReadAll(resp.Body)

	var graphErrResp graphErrorResponse
	if jsonErr := json.Unmarshal(body, &graphErrResp); jsonErr == nil && graphErrResp.Error.Message != "" {
		return &sendError{statusCode: resp.StatusCode, message: graphErrResp.Error.Message}
	}
	return &sendError{statusCode: resp.StatusCode, message: string(body)}
}

// sendError is a non-success HTTP reply from the sendMail endpoint.
type sendError struct {
	statusCode int
	message    string
}

func (e *sendError) Error() string {
	return fmt.Sprintf("Graph API error (HTTP %d): %s", e.statusCode, e.message)
}

// permanent reports whether replaying the same request can never succeed.
func (e *sendError) permanent() bool {
	switch {
	case e.statusCode == http.StatusUnauthorized,
		e.statusCode == http.StatusRequestTimeout,
		e.statusCode == http.StatusTooManyRequests,
		e.statusCode >= 500:
		return false
	default:
		return e.statusCode >= 400
	}
}

// tokenError means no access token could be obtained.
type tokenError struct {
	err error
}

func (e *tokenError) Error() string { return e.err.Error() }
func (e *tokenError) Unwrap() error { return e.err }

// classify maps a failed request onto an outcome. Refused credentials are
// retried like an SMTP authentication failure.
func classify(err error) email.Outcome {
	var sendErr *sendError
	var tokErr *tokenError
	switch {
	case errors.As(err, &sendErr) && sendErr.permanent():
		return email.Rejected(0, err)
	case errors.As(err, &sendErr) && sendErr.statusCode == http.StatusUnauthorized,
		errors.As(err, &tokErr):
		return email.Transient(0, fmt.Errorf("%w: %w", email.ErrAuth, err))
	default:
		return email.Transient(0, err)
	}
}
