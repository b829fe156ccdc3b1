package notify

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/db"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/errs"
)

// optOutFooter is appended to every outbound SMS. Carrier compliance
// requires an opt-out instruction on application-to-person traffic.
const optOutFooter = "\nReply STOP to opt out."

// Template names.
const (
	TemplateBookingConfirmed = "booking_confirmed"
	TemplateOwnerNewBooking  = "owner_new_booking"
	TemplateBookingFollowUp  = "booking_followup"
)

// Rendered is the output of template execution.
type Rendered struct {
	Subject string
	Body    string
}

type entry struct {
	subject *template.Template
	body    *template.Template
}

// Registry holds notification templates keyed by (channel, name).
// Registration happens at startup; lookups after that are read-only, so
// no locking is needed.
type Registry struct {
	templates map[string]entry
}

// NewRegistry returns a registry preloaded with the built-in booking
// templates.
func NewRegistry() (*Registry, error) {
	r := &Registry{templates: make(map[string]entry)}

	builtin := []struct {
		channel, name, subject, body string
	}{
		{
			db.ChannelSMS, TemplateBookingConfirmed,
			"",
			"Hi {{.CustomerName}}, your {{.ServiceType}} appointment with {{.BusinessName}} is confirmed for {{.StartsAt}}.",
		},
		{
			db.ChannelSMS, TemplateOwnerNewBooking,
			"",
			"New booking: {{.CustomerName}} ({{.CustomerPhone}}) booked {{.ServiceType}} for {{.StartsAt}}.",
		},
		{
			db.ChannelSMS, TemplateBookingFollowUp,
			"",
			"Hi {{.CustomerName}}, just checking in about your {{.ServiceType}} booking with {{.BusinessName}}. Reply to confirm.",
		},
		{
			db.ChannelEmail, TemplateBookingConfirmed,
			"Your {{.ServiceType}} appointment is confirmed",
			"Hi {{.CustomerName}},\n\nYour {{.ServiceType}} appointment with {{.BusinessName}} is confirmed for {{.StartsAt}}.\n\nSee you then!\n{{.BusinessName}}",
		},
	}

	for _, t := range builtin {
		if err := r.Register(t.channel, t.name, t.subject, t.body); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register parses and stores a template. Re-registering a (channel,
// name) pair replaces the previous version.
func (r *Registry) Register(channel, name, subject, body string) error {
	key := channel + ":" + name

	bodyTmpl, err := template.New(key + ":body").Parse(body)
	if err != nil {
		return fmt.Errorf("parse body template %s: %w", key, err)
	}

	var subjTmpl *template.Template
	if subject != "" {
		subjTmpl, err = template.New(key + ":subject").Parse(subject)
		if err != nil {
			return fmt.Errorf("parse subject template %s: %w", key, err)
		}
	}

	r.templates[key] = entry{subject: subjTmpl, body: bodyTmpl}
	return nil
}

// Render executes the template for (channel, name) against data. SMS
// output always carries the opt-out footer. An unknown template or a
// render failure is permanent: retrying the same job cannot fix it.
func (r *Registry) Render(channel, name string, data map[string]string) (Rendered, error) {
	key := channel + ":" + name
	e, ok := r.templates[key]
	if !ok {
		return Rendered{}, errs.Permanent(fmt.Errorf("unknown template %q", key))
	}

	var body bytes.Buffer
	if err := e.body.Execute(&body, data); err != nil {
		return Rendered{}, errs.Permanent(fmt.Errorf("render template %s: %w", key, err))
	}

	out := Rendered{Body: body.String()}

	if e.subject != nil {
		var subj bytes.Buffer
		if err := e.subject.Execute(&subj, data); err != nil {
			return Rendered{}, errs.Permanent(fmt.Errorf("render subject %s: %w", key, err))
		}
		out.Subject = subj.String()
	}

	if channel == db.ChannelSMS && !strings.HasSuffix(out.Body, optOutFooter) {
		out.Body += optOutFooter
	}

	return out, nil
}
