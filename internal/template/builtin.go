package template

import "github.com/kursadbilgin/delivery-engine/internal/domain"

// Builtin returns the templates shipped with the engine.
func Builtin() []Definition {
	return []Definition{
		{
			Key:     "booking_confirmation",
			Channel: domain.ChannelEmail,
			Subject: "Your booking is confirmed",
			Body: `Hi {{.name}},

Thank you for your booking.
{{- with index . "serviceType"}} We have you down for {{.}}.{{end}}
{{- with index . "bookingDate"}}
Date: {{.}}{{end}}
{{- with index . "fromAddress"}}
From: {{.}}{{end}}
{{- with index . "toAddress"}}
To: {{.}}{{end}}
{{- with index . "estimatedTime"}}
Estimated time: {{.}}{{end}}

Reply to this email if anything needs to change.`,
		},
		{
			Key:     "booking_confirmation_sms",
			Channel: domain.ChannelSMS,
			Body:    "Your booking on {{.bookingDate}} is confirmed. Reply to this message if anything needs to change.",
		},
		{
			Key:     "invoice_created",
			Channel: domain.ChannelEmail,
			Subject: "Invoice {{.invoiceNumber}}",
			Body: `Hi {{.customerName}},

Invoice {{.invoiceNumber}} for {{.amount}} has been created and is due on {{.dueDate}}.`,
		},
		{
			Key:     "job_reminder",
			Channel: domain.ChannelEmail,
			Subject: "Reminder: see you on {{.jobDate}}",
			Body: `Hi {{.customerName}},

This is a reminder that our team arrives on {{.jobDate}} at {{.jobTime}}.`,
		},
		{
			Key:     "job_reminder_sms",
			Channel: domain.ChannelSMS,
			Body:    "Reminder: our team arrives on {{.jobDate}} at {{.jobTime}}.",
		},
		{
			Key:     "team_arrival_sms",
			Channel: domain.ChannelSMS,
			Body:    "Our team is on the way and arrives in about {{.eta}} minutes.",
		},
	}
}
