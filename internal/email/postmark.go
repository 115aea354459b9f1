package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"time"
)

const postmarkURL = "https://api.postmarkapp.com/email"

type Client struct {
	serverToken string
	fromEmail   string
	baseURL     string
	httpClient  *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// NewClient returns a Postmark client. baseURL is the portal's public URL,
// used for links in message bodies.
func NewClient(serverToken, fromEmail, baseURL string, opts ...Option) *Client {
	c := &Client{
		serverToken: serverToken,
		fromEmail:   fromEmail,
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
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

type postmarkEmail struct {
	From          string `json:"From"`
	To            string `json:"To"`
	Subject       string `json:"Subject"`
	HtmlBody      string `json:"HtmlBody"`
	TextBody      string `json:"TextBody"`
	MessageStream string `json:"MessageStream,omitempty"`
}

// SendOTP mails a one-time code. purpose selects the wording: "login" for
// sign-in codes, anything else for the credential reveal.
func (c *Client) SendOTP(ctx context.Context, toEmail, code, purpose string, expiresIn time.Duration) error {
	subject := "Your verification code"
	action := "view your database credentials"
	if purpose == "login" {
		subject = "Your sign-in code"
		action = "sign in to the portal"
	}
	minutes := int(expiresIn.Minutes())

	text := fmt.Sprintf("Use this code to %s:\n\n%s\n\nThe code expires in %d minutes. If you did not request it, ignore this email.",
		action, code, minutes)
	body := fmt.Sprintf(
		`<p>Use this code to %s:</p><p style="font-size:24px;letter-spacing:4px"><strong>%s</strong></p><p>The code expires in %d minutes. If you did not request it, ignore this email.</p>`,
		action, code, minutes,
	)
	return c.send(ctx, toEmail, subject, body, text)
}

func (c *Client) SendSubscriptionPurchased(ctx context.Context, toEmail, planName, orderRef string) error {
	subject := fmt.Sprintf("Your %s subscription", planName)
	text := fmt.Sprintf("Thanks for your order %s.\n\nYour %s subscription is active and we are preparing your instance. We will email you again once it is ready.\n\n%s/dashboard",
		orderRef, planName, c.baseURL)
	body := fmt.Sprintf(
		`<p>Thanks for your order <strong>%s</strong>.</p><p>Your %s subscription is active and we are preparing your instance. We will email you again once it is ready.</p><p><a href="%s/dashboard">Open your dashboard</a></p>`,
		html.EscapeString(orderRef), html.EscapeString(planName), c.baseURL,
	)
	return c.send(ctx, toEmail, subject, body, text)
}

func (c *Client) SendInstanceProvisioned(ctx context.Context, toEmail, instanceURL string) error {
	subject := "Your instance is ready"
	text := fmt.Sprintf("Your instance is ready at %s.\n\nDatabase credentials are available from your dashboard after email verification.\n\n%s/dashboard",
		instanceURL, c.baseURL)
	body := fmt.Sprintf(
		`<p>Your instance is ready at <a href="%s">%s</a>.</p><p>Database credentials are available from your dashboard after email verification.</p><p><a href="%s/dashboard">Open your dashboard</a></p>`,
		html.EscapeString(instanceURL), html.EscapeString(instanceURL), c.baseURL,
	)
	return c.send(ctx, toEmail, subject, body, text)
}

func (c *Client) SendSubscriptionExpired(ctx context.Context, toEmail, planName string, endDate time.Time) error {
	subject := "Your subscription has expired"
	day := endDate.Format("January 2, 2006")
	text := fmt.Sprintf("Your %s subscription ended on %s. Renew from your dashboard to keep your instance.\n\n%s/dashboard",
		planName, day, c.baseURL)
	body := fmt.Sprintf(
		`<p>Your %s subscription ended on %s.</p><p><a href="%s/dashboard">Renew from your dashboard</a> to keep your instance.</p>`,
		html.EscapeString(planName), day, c.baseURL,
	)
	return c.send(ctx, toEmail, subject, body, text)
}

func (c *Client) SendTicketCreated(ctx context.Context, toEmail string, ticketID int64, ticketSubject string) error {
	subject := fmt.Sprintf("[Ticket #%d] %s", ticketID, ticketSubject)
	text := fmt.Sprintf("Ticket #%d was opened: %s\n\n%s/tickets/%d", ticketID, ticketSubject, c.baseURL, ticketID)
	body := fmt.Sprintf(
		`<p>Ticket #%d was opened: %s</p><p><a href="%s/tickets/%d">View ticket</a></p>`,
		ticketID, html.EscapeString(ticketSubject), c.baseURL, ticketID,
	)
	return c.send(ctx, toEmail, subject, body, text)
}

func (c *Client) SendTicketReply(ctx context.Context, toEmail string, ticketID int64, ticketSubject, reply string) error {
	subject := fmt.Sprintf("Re: [Ticket #%d] %s", ticketID, ticketSubject)
	text := fmt.Sprintf("New reply on ticket #%d:\n\n%s\n\n%s/tickets/%d", ticketID, reply, c.baseURL, ticketID)
	body := fmt.Sprintf(
		`<p>New reply on ticket #%d:</p><blockquote>%s</blockquote><p><a href="%s/tickets/%d">View ticket</a></p>`,
		ticketID, html.EscapeString(reply), c.baseURL, ticketID,
	)
	return c.send(ctx, toEmail, subject, body, text)
}

func (c *Client) send(ctx context.Context, to, subject, htmlBody, textBody string) error {
	if !c.Configured() {
		return fmt.Errorf("email client not configured: missing server token")
	}

	payload := postmarkEmail{
		From:          c.fromEmail,
		To:            to,
		Subject:       subject,
		HtmlBody:      htmlBody,
		TextBody:      textBody,
		MessageStream: "outbound",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postmarkURL, bytes.NewReader(body))
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
		return fmt.Errorf("postmark API error: status %d", resp.StatusCode)
	}
	return nil
}
