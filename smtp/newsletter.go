package smtp

import (
	"errors"
	"fmt"
	"net/textproto"

	"github.com/matcornic/hermes/v2"
	pkgerrors "github.com/pkg/errors"
	"gopkg.in/gomail.v2"

	"github.com/lettermill/lettermill"
)

type newsletterService struct {
	serverURL string
	*lettermill.Config
}

// NewNewsletterService returns new newsletter service
func NewNewsletterService(config *lettermill.Config, serverURL string) lettermill.NewsletterService {
	return &newsletterService{
		Config:    config,
		serverURL: serverURL,
	}
}

// SendConfirmationEmail sends the confirmation link in both HTML and plain
// text, so the link survives clients that strip markup.
func (ns *newsletterService) SendConfirmationEmail(to, token string) error {
	h := hermes.Hermes{
		Product: hermes.Product{
			Name: ns.Config.Newsletter.Product.Name,
			Link: ns.serverURL,
		},
	}

	link := fmt.Sprintf("%s/subscriptions/confirm?token=%s", ns.serverURL, token)
	email := hermes.Email{
		Body: hermes.Body{
			Name: "",
			Intros: []string{
				fmt.Sprintf("Welcome to %s", ns.Config.Newsletter.Product.Name),
			},
			Actions: []hermes.Action{
				{
					Instructions: "Click the button below to confirm your subscription:",
					Button: hermes.Button{
						Color: "#22BC66",
						Text:  "Confirm your subscription",
						Link:  link,
					},
				},
			},
		},
	}

	htmlBody, err := h.GenerateHTML(email)
	if err != nil {
		return pkgerrors.Errorf("failed to generate HTML email: %v", err)
	}

	textBody, err := h.GeneratePlainText(email)
	if err != nil {
		return pkgerrors.Errorf("failed to generate plain text email: %v", err)
	}

	return ns.sendEmail(to, "Confirm subscription", htmlBody, textBody)
}

// SendIssue sends one newsletter issue to a single recipient.
func (ns *newsletterService) SendIssue(to, subject, html, text string) error {
	return ns.sendEmail(to, subject, html, text)
}

func (ns *newsletterService) sendEmail(to, subject, html, text string) error {
	m := gomail.NewMessage()
	m.SetHeader("From", ns.Config.Newsletter.From)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", text)
	m.AddAlternative("text/html", html)

	d := gomail.NewDialer(ns.Config.SMTP.Host, ns.Config.SMTP.Port, ns.Config.SMTP.Username, ns.Config.SMTP.Password)
	if err := d.DialAndSend(m); err != nil {
		return classify(to, err)
	}

	return nil
}

// classify maps an SMTP failure onto the transient/permanent taxonomy:
// 5yz replies are permanent, 4yz replies and everything else (dial errors,
// timeouts) are transient.
func classify(to string, err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return &lettermill.SendError{
			Permanent: tpErr.Code >= 500,
			Err:       pkgerrors.Errorf("failed to send mail to %s: %v", to, err),
		}
	}

	return &lettermill.SendError{
		Permanent: false,
		Err:       pkgerrors.Errorf("failed to send mail to %s: %v", to, err),
	}
}

// Stop is a no-op; the dialer holds no persistent connection.
func (ns *newsletterService) Stop() error {
	return nil
}
