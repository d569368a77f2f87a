package automation

import "schoolops/internal/notify"

var (
	tplBeforeClass = notify.MustTemplate(notify.Spec{
		Name:    "attendance.before_class",
		Subject: "Upcoming lesson: {{.title}}",
		Body: `Hi {{.teacher}},

{{.title}}{{if .class}} ({{.class}}){{end}} starts at {{.start}}{{if .room}} in {{.room}}{{end}}.
{{.roster}} student(s) enrolled.`,
	})

	tplAfterClass = notify.MustTemplate(notify.Spec{
		Name:    "attendance.after_class",
		Subject: "Record attendance: {{.title}}",
		Body: `Hi {{.teacher}},

{{.title}}{{if .class}} ({{.class}}){{end}} ended at {{.end}}.
Please record attendance for {{.roster}} student(s): {{.link}}`,
	})

	tplPaymentDueSoon = notify.MustTemplate(notify.Spec{
		Name:    "payment.due_soon",
		Subject: "Payment due {{.due}}",
		Body: `Hello {{.name}},

A payment of {{.amount}} for {{.student}} is due on {{.due}}.`,
	})

	tplPaymentOverdue = notify.MustTemplate(notify.Spec{
		Name:    "payment.overdue",
		Subject: "Payment overdue by {{.days}} day(s)",
		Body: `Hello {{.name}},

The payment of {{.amount}} for {{.student}} was due on {{.due}} and is {{.days}} day(s) overdue.`,
	})

	tplPaymentFinal = notify.MustTemplate(notify.Spec{
		Name:    "payment.final_notice",
		Subject: "Final notice: payment {{.days}} day(s) overdue",
		Body: `Hello {{.name}},

This is a final notice. The payment of {{.amount}} for {{.student}} was due on {{.due}} and is {{.days}} day(s) overdue.
Please settle it as soon as possible.`,
	})

	tplCapacity = notify.MustTemplate(notify.Spec{
		Name:    "class.capacity_warning",
		Subject: "{{.class}} is {{.percent}}% full",
		Body:    `{{.class}} has {{.enrolled}} of {{.capacity}} seats taken ({{.waitlisted}} waitlisted).`,
	})
)
