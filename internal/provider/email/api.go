package email

import (
	"context"
	"net/http"
	"strings"

	"pewnotify/internal/provider"
)

// apiTransport posts to the Brevo transactional email endpoint.
type apiTransport struct {
	key     string
	baseURL string
	client  *http.Client
}

func newAPI(cfg Config, client *http.Client) *apiTransport {
	if client == nil {
		client = provider.DefaultHTTPClient()
	}
	return &apiTransport{
		key:     strings.TrimSpace(cfg.APIKey),
		baseURL: strings.TrimRight(defaultString(cfg.BaseURL, DefaultBaseURL), "/"),
		client:  client,
	}
}

func (t *apiTransport) configured() bool { return t.key != "" }

type apiAddress struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

type apiRequest struct {
	Sender      apiAddress   `json:"sender"`
	To          []apiAddress `json:"to"`
	Subject     string       `json:"subject"`
	TextContent string       `json:"textContent"`
	HTMLContent string       `json:"htmlContent,omitempty"`
}

type apiResponse struct {
	MessageID string `json:"messageId"`
}

func (t *apiTransport) send(ctx context.Context, m message) (provider.Receipt, error) {
	var resp apiResponse
	err := provider.PostJSON(ctx, t.client, "email", t.baseURL+"/v3/smtp/email",
		map[string]string{"api-key": t.key},
		apiRequest{
			Sender:      apiAddress{Name: m.FromName, Email: m.FromEmail},
			To:          []apiAddress{{Email: m.To}},
			Subject:     m.Subject,
			TextContent: m.Text,
			HTMLContent: m.HTML,
		},
		&resp,
	)
	if err != nil {
		return nil, err
	}
	r := provider.Receipt{}
	if resp.MessageID != "" {
		r["message_id"] = resp.MessageID
	}
	return r, nil
}
