package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"io"
	"net/http"
	texttemplate "text/template"
	"time"

	"github.com/dukerupert/gflix/internal/model"
)

const defaultEndpoint = "https://api.postmarkapp.com/email"

var ErrNotConfigured = errors.New("email client not configured: missing server token")

// APIError is a rejection from Postmark. Code is Postmark's ErrorCode, not the HTTP status.
type APIError struct {
	Status  int
	Code    int    `json:"ErrorCode"`
	Message string `json:"Message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("postmark API error: status %d", e.Status)
	}
	return fmt.Sprintf("postmark API error: status %d: %s (code %d)", e.Status, e.Message, e.Code)
}

// Client sends transactional billing mail through Postmark.
type Client struct {
	serverToken string
	fromEmail   string
	baseURL     string
	endpoint    string
	httpClient  *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func WithEndpoint(url string) Option {
	return func(cl *Client) {
		cl.endpoint = url
	}
}

func NewClient(serverToken, fromEmail, baseURL string, opts ...Option) *Client {
	c := &Client{
		serverToken: serverToken,
		fromEmail:   fromEmail,
		baseURL:     baseURL,
		endpoint:    defaultEndpoint,
		httpClient:  http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured returns true if the server token is set.
func (c *Client) Configured() bool {
	return c.serverToken != ""
}

type message struct {
	From          string `json:"From"`
	To            string `json:"To"`
	Subject       string `json:"Subject"`
	HtmlBody      string `json:"HtmlBody"`
	TextBody      string `json:"TextBody"`
	Tag           string `json:"Tag,omitempty"`
	MessageStream string `json:"MessageStream"`
}

type templateData struct {
	Name          string
	Amount        string
	Plan          model.PlanKind
	TransactionID string
	Until         string
	BaseURL       string
}

var (
	receiptText = texttemplate.Must(texttemplate.New("receipt").Parse(
		"Hi {{.Name}},\n\nWe received your payment of {{.Amount}} for the {{.Plan}} plan.\n" +
			"Transaction: {{.TransactionID}}\nActive until: {{.Until}}\n\n" +
			"Manage your subscription at {{.BaseURL}}/account\n"))
	receiptHTML = htmltemplate.Must(htmltemplate.New("receipt").Parse(
		`<p>Hi {{.Name}},</p>` +
			`<p>We received your payment of <strong>{{.Amount}}</strong> for the {{.Plan}} plan.</p>` +
			`<p>Transaction: {{.TransactionID}}<br>Active until: {{.Until}}</p>` +
			`<p><a href="{{.BaseURL}}/account">Manage your subscription</a></p>`))

	failedText = texttemplate.Must(texttemplate.New("failed").Parse(
		"Hi {{.Name}},\n\nYour payment of {{.Amount}} for the {{.Plan}} plan was not completed.\n" +
			"Transaction: {{.TransactionID}}\n\nYou can try again at {{.BaseURL}}/plans\n"))
	failedHTML = htmltemplate.Must(htmltemplate.New("failed").Parse(
		`<p>Hi {{.Name}},</p>` +
			`<p>Your payment of <strong>{{.Amount}}</strong> for the {{.Plan}} plan was not completed.</p>` +
			`<p>Transaction: {{.TransactionID}}</p>` +
			`<p><a href="{{.BaseURL}}/plans">Try again</a></p>`))
)

type renderer interface {
	Execute(w io.Writer, data any) error
}

// SendReceipt confirms a completed payment and the date its subscription window closes.
func (c *Client) SendReceipt(ctx context.Context, toEmail, name string, p model.Payment) error {
	return c.sendPayment(ctx, toEmail, "Your GFlix payment receipt", "receipt", receiptText, receiptHTML, c.data(name, p))
}

// SendPaymentFailed tells the account holder a purchase attempt was declined.
func (c *Client) SendPaymentFailed(ctx context.Context, toEmail, name string, p model.Payment) error {
	return c.sendPayment(ctx, toEmail, "Your GFlix payment did not go through", "payment-failed", failedText, failedHTML, c.data(name, p))
}

func (c *Client) data(name string, p model.Payment) templateData {
	d := templateData{
		Name:          name,
		Amount:        FormatAmount(p.Amount, p.Currency),
		Plan:          p.PlanKind,
		TransactionID: p.TransactionID,
		Until:         "-",
		BaseURL:       c.baseURL,
	}
	if d.Name == "" {
		d.Name = "there"
	}
	if p.SubscriptionEndsAt != nil {
		d.Until = p.SubscriptionEndsAt.UTC().Format(time.DateOnly)
	}
	return d
}

// FormatAmount renders minor units as a decimal amount followed by the currency code.
func FormatAmount(minor int64, currency string) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, minor/100, minor%100, currency)
}

func (c *Client) sendPayment(ctx context.Context, to, subject, tag string, text, html renderer, d templateData) error {
	if !c.Configured() {
		return ErrNotConfigured
	}
	var textBody, htmlBody bytes.Buffer
	if err := text.Execute(&textBody, d); err != nil {
		return fmt.Errorf("render %s text: %w", tag, err)
	}
	if err := html.Execute(&htmlBody, d); err != nil {
		return fmt.Errorf("render %s html: %w", tag, err)
	}
	return c.send(ctx, message{
		From:          c.fromEmail,
		To:            to,
		Subject:       subject,
		HtmlBody:      htmlBody.String(),
		TextBody:      textBody.String(),
		Tag:           tag,
		MessageStream: "outbound",
	})
}

func (c *Client) send(ctx context.Context, msg message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.serverToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(apiErr)
		return apiErr
	}
	return nil
}
