package sendgrid

import (
	"bytes"
	"context"
	"text/template"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/expert-bookings/internal/domain"
	"github.com/robertarktes/expert-bookings/internal/observability"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

const (
	DefaultHost  = "https://api.sendgrid.com"
	sendEndpoint = "/v3/mail/send"
)

type emailTemplate struct {
	subject *template.Template
	body    *template.Template
}

func mustTemplate(subject, body string) emailTemplate {
	return emailTemplate{
		subject: template.Must(template.New("subject").Parse(subject)),
		body:    template.Must(template.New("body").Parse(body)),
	}
}

var templates = map[string]emailTemplate{
	domain.TemplateBookingConfirmed: mustTemplate(
		"New booking on {{.start_time}}",
		"{{.guest_name}} ({{.guest}}) booked {{.title}} on {{.start_time}} ({{.timezone}}).\n{{if .meeting_url}}Meeting link: {{.meeting_url}}\n{{end}}",
	),
	domain.TemplateBookingRefunded: mustTemplate(
		"Booking on {{.start_time}} refunded",
		"The booking {{.booking_id}} on {{.start_time}} was refunded and the slot is free again.\n",
	),
}

type Config struct {
	APIKey    string
	FromEmail string
	FromName  string
	// Host overrides the API base URL.
	Host string
}

// Notifier renders a built-in template and sends it through the SendGrid
// v3 mail API.
type Notifier struct {
	client *sendgrid.Client
	from   *mail.Email
	logger observability.Logger
}

func NewNotifier(cfg Config, logger observability.Logger) *Notifier {
	host := cfg.Host
	if host == "" {
		host = DefaultHost
	}
	if cfg.FromName == "" {
		cfg.FromName = "Bookings"
	}
	req := sendgrid.GetRequest(cfg.APIKey, sendEndpoint, host)
	req.Method = "POST"
	return &Notifier{
		client: &sendgrid.Client{Request: req},
		from:   mail.NewEmail(cfg.FromName, cfg.FromEmail),
		logger: logger,
	}
}

func render(name string, payload map[string]any) (subject, body string, err error) {
	tpl, ok := templates[name]
	if !ok {
		return "", "", errors.Newf("unknown notification template %q", name)
	}
	var s, b bytes.Buffer
	if err := tpl.subject.Execute(&s, payload); err != nil {
		return "", "", errors.Wrapf(err, "render %s subject", name)
	}
	if err := tpl.body.Execute(&b, payload); err != nil {
		return "", "", errors.Wrapf(err, "render %s body", name)
	}
	return s.String(), b.String(), nil
}

// Notify sends template to recipient, an email address.
func (n *Notifier) Notify(ctx context.Context, recipient, templateName string, payload map[string]any) error {
	subject, body, err := render(templateName, payload)
	if err != nil {
		return err
	}
	msg := mail.NewSingleEmail(n.from, subject, mail.NewEmail("", recipient), body, "")
	resp, err := n.client.SendWithContext(ctx, msg)
	if err != nil {
		return errors.Wrapf(err, "sendgrid send %s", templateName)
	}
	if resp.StatusCode >= 400 {
		n.logger.WithFields(map[string]interface{}{"status": resp.StatusCode, "template": templateName}).Error("sendgrid returned error status: ", resp.Body)
		return errors.Newf("sendgrid returned status %d", resp.StatusCode)
	}
	n.logger.WithField("template", templateName).Debug("notification sent")
	return nil
}

// StubNotifier logs instead of sending. Used when no API key is configured.
type StubNotifier struct {
	logger observability.Logger
}

func NewStubNotifier(logger observability.Logger) *StubNotifier {
	return &StubNotifier{logger: logger}
}

func (s *StubNotifier) Notify(ctx context.Context, recipient, templateName string, payload map[string]any) error {
	if _, _, err := render(templateName, payload); err != nil {
		return err
	}
	s.logger.WithFields(map[string]interface{}{"recipient": recipient, "template": templateName}).Info("notification not sent, sendgrid disabled")
	return nil
}
