package services

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"subscription-api/internal/config"
	"subscription-api/internal/models"
	"subscription-api/pkg/logging"

	brevo "github.com/getbrevo/brevo-go/lib"
)

// Mailer sends vendor-facing transactional email
type Mailer interface {
	SendListingLiveEmail(ctx context.Context, to string, serviceType models.ServiceType, listing *models.Listing) error
}

// transactionalSender is the part of the Brevo SDK the service calls
type transactionalSender interface {
	SendTransacEmail(ctx context.Context, email brevo.SendSmtpEmail) (brevo.CreateSmtpEmail, *http.Response, error)
}

// BrevoService sends email through the Brevo transactional API
type BrevoService struct {
	sender    transactionalSender
	FromEmail string
	FromName  string
}

// NewBrevoService builds the Brevo client once from configuration. It returns
// nil when no API key is configured.
func NewBrevoService(cfg *config.Config) *BrevoService {
	if cfg.BrevoAPIKey == "" {
		return nil
	}
	bc := brevo.NewConfiguration()
	bc.AddDefaultHeader("api-key", cfg.BrevoAPIKey)
	client := brevo.NewAPIClient(bc)

	return &BrevoService{
		sender:    client.TransactionalEmailsApi,
		FromEmail: cfg.BrevoFromEmail,
		FromName:  cfg.BrevoFromName,
	}
}

// SendListingLiveEmail tells a vendor their listing is published
func (s *BrevoService) SendListingLiveEmail(ctx context.Context, to string, serviceType models.ServiceType, listing *models.Listing) error {
	title := listing.Title
	if title == "" {
		title = listing.ListingID
	}

	subject := fmt.Sprintf("Your listing \"%s\" is live", title)
	htmlContent := fmt.Sprintf(`
		<!DOCTYPE html>
		<html>
		<head>
			<meta charset="UTF-8">
			<title>Listing live</title>
		</head>
		<body style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px;">
			<div style="background-color: #f8f9fa; padding: 30px; border-radius: 10px;">
				<h1 style="color: #333; margin-bottom: 20px;">%s is now live</h1>
				<p style="color: #666; font-size: 16px;">Thanks for subscribing. Your %s listing is now visible to couples.</p>
				<p style="color: #999; font-size: 12px; margin-top: 30px;">You can manage your subscription from your dashboard at any time.</p>
			</div>
		</body>
		</html>
	`, html.EscapeString(title), html.EscapeString(string(serviceType)))

	textContent := fmt.Sprintf(`
		%s is now live

		Thanks for subscribing. Your %s listing is now visible to couples.

		You can manage your subscription from your dashboard at any time.
	`, title, serviceType)

	return s.sendEmail(ctx, brevo.SendSmtpEmail{
		Sender: &brevo.SendSmtpEmailSender{
			Name:  s.FromName,
			Email: s.FromEmail,
		},
		To: []brevo.SendSmtpEmailTo{
			{Email: to},
		},
		Subject:     subject,
		HtmlContent: htmlContent,
		TextContent: textContent,
	})
}

// sendEmail sends email via Brevo API
func (s *BrevoService) sendEmail(ctx context.Context, email brevo.SendSmtpEmail) error {
	result, resp, err := s.sender.SendTransacEmail(ctx, email)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	if resp != nil && resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("brevo API error: status %d", resp.StatusCode)
	}

	logging.Infof("Email sent - message_id: %s, subject: %s", result.MessageId, email.Subject)
	return nil
}
