package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/clinic-dispatch/internal/domain"
)

const (
	defaultWebhookTimeout = 10 * time.Second
	maxErrorBodyBytes     = 256
)

type webhookRequest struct {
	To        string            `json:"to"`
	Channel   string            `json:"channel"`
	Template  string            `json:"template"`
	Variables map[string]string `json:"variables"`
}

type webhookResponse struct {
	MessageID string `json:"messageId"`
}

// WebhookProvider delivers one channel by POSTing to an HTTP gateway.
type WebhookProvider struct {
	client   *resty.Client
	channel  domain.Channel
	endpoint string
	token    string
}

func NewWebhookProvider(channel domain.Channel, endpoint string, token string) (*WebhookProvider, error) {
	client := resty.New()
	client.SetTimeout(defaultWebhookTimeout)
	client.SetRetryCount(0)

	return NewWebhookProviderWithClient(channel, endpoint, token, client)
}

func NewWebhookProviderWithClient(channel domain.Channel, endpoint string, token string, client *resty.Client) (*WebhookProvider, error) {
	if !channel.IsValid() {
		return nil, fmt.Errorf("invalid channel %q", string(channel))
	}
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		return nil, fmt.Errorf("webhook endpoint is required")
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid webhook endpoint: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultWebhookTimeout)
	}
	client.SetRetryCount(0)

	return &WebhookProvider{
		client:   client,
		channel:  channel,
		endpoint: trimmedEndpoint,
		token:    strings.TrimSpace(token),
	}, nil
}

func (p *WebhookProvider) Send(ctx context.Context, recipient string, templateName string, variables map[string]string) (DeliveryResult, error) {
	if p == nil || p.client == nil {
		return DeliveryResult{}, fmt.Errorf("provider is not initialized")
	}
	if variables == nil {
		variables = map[string]string{}
	}

	request := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(webhookRequest{
			To:        recipient,
			Channel:   p.channel.String(),
			Template:  templateName,
			Variables: variables,
		})
	if p.token != "" {
		request.SetAuthToken(p.token)
	}

	response, err := request.Post(p.endpoint)
	if err != nil {
		return DeliveryResult{}, &ProviderError{
			Message:   "provider request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return DeliveryResult{}, &ProviderError{
			Message:   "provider returned empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	responseBody := strings.TrimSpace(response.String())

	switch {
	case statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices:
		return Delivered(statusCode, providerMessageID(response)), nil
	case isTransientHTTPStatus(statusCode):
		return DeliveryResult{}, &ProviderError{
			StatusCode: statusCode,
			Message:    providerErrorMessage(statusCode, responseBody),
			Transient:  true,
		}
	default:
		return Rejected(statusCode, providerErrorMessage(statusCode, responseBody)), nil
	}
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func providerErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("provider returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, truncateUTF8(body, maxErrorBodyBytes))
}

// truncateUTF8 cuts s to at most n bytes on a rune boundary. Invalid byte
// sequences are replaced so the result is always storable as text.
func truncateUTF8(s string, n int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func providerMessageID(response *resty.Response) string {
	if response == nil {
		return ""
	}

	for _, key := range []string{"X-Request-ID", "X-Message-ID", "X-Correlation-ID"} {
		if value := strings.TrimSpace(response.Header().Get(key)); value != "" {
			return value
		}
	}

	var body webhookResponse
	if err := json.Unmarshal(response.Body(), &body); err == nil {
		return strings.TrimSpace(body.MessageID)
	}
	return ""
}
