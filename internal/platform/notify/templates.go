package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
)

// DischargeEmailData fills the owner-facing discharge email.
type DischargeEmailData struct {
	ClinicName  string
	PatientName string
	OwnerName   string
	Summary     string // markdown from the discharge pipeline
	ReplyTo     string
	ClinicPhone string
}

const dischargeEmailHTML = `<!DOCTYPE html>
<html>
<body style="font-family: -apple-system, Segoe UI, sans-serif; color: #1a202c; max-width: 600px; margin: 0 auto; padding: 16px;">
  <h2 style="color: #2b6cb0;">{{.ClinicName}}</h2>
  <p>Hi {{if .OwnerName}}{{.OwnerName}}{{else}}there{{end}},</p>
  <p>Here are the discharge instructions for <strong>{{.PatientName}}</strong>.</p>
  <div style="background: #f7fafc; border-left: 4px solid #2b6cb0; padding: 12px 16px;">
    {{.SummaryHTML}}
  </div>
  <p>Questions? {{if .ClinicPhone}}Call us at {{.ClinicPhone}} or {{end}}reply to this email.</p>
  <p style="color: #718096; font-size: 12px;">Sent by {{.ClinicName}} via VetDesk.</p>
</body>
</html>`

var dischargeTmpl = template.Must(template.New("discharge").Parse(dischargeEmailHTML))

// DischargeEmail renders the owner email for a discharge summary. The
// markdown summary is converted paragraph-by-paragraph: headings and lists
// from the LLM output stay readable without pulling in a markdown library.
func DischargeEmail(d DischargeEmailData) (Email, error) {
	var buf bytes.Buffer
	err := dischargeTmpl.Execute(&buf, struct {
		DischargeEmailData
		SummaryHTML template.HTML
	}{d, MarkdownHTML(d.Summary)})
	if err != nil {
		return Email{}, fmt.Errorf("render discharge email: %w", err)
	}

	text := fmt.Sprintf("Discharge instructions for %s from %s\n\n%s\n",
		d.PatientName, d.ClinicName, d.Summary)

	msg := Email{
		Subject: fmt.Sprintf("Discharge instructions for %s", d.PatientName),
		Text:    text,
		HTML:    buf.String(),
	}
	if d.ReplyTo != "" {
		msg.Headers = map[string]string{"Reply-To": d.ReplyTo}
	}
	return msg, nil
}

// MarkdownHTML converts the subset of markdown the summarizer emits
// (headings, bullet lists, paragraphs) into escaped HTML. The PDF export
// uses it too.
func MarkdownHTML(md string) template.HTML {
	var b strings.Builder
	inList := false

	flushList := func() {
		if inList {
			b.WriteString("</ul>\n")
			inList = false
		}
	}

	for _, line := range strings.Split(md, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flushList()
		case strings.HasPrefix(line, "### "):
			flushList()
			fmt.Fprintf(&b, "<h4>%s</h4>\n", template.HTMLEscapeString(line[4:]))
		case strings.HasPrefix(line, "## "):
			flushList()
			fmt.Fprintf(&b, "<h3>%s</h3>\n", template.HTMLEscapeString(line[3:]))
		case strings.HasPrefix(line, "# "):
			flushList()
			fmt.Fprintf(&b, "<h3>%s</h3>\n", template.HTMLEscapeString(line[2:]))
		case strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "* "):
			if !inList {
				b.WriteString("<ul>\n")
				inList = true
			}
			fmt.Fprintf(&b, "<li>%s</li>\n", template.HTMLEscapeString(line[2:]))
		default:
			flushList()
			fmt.Fprintf(&b, "<p>%s</p>\n", template.HTMLEscapeString(line))
		}
	}
	flushList()

	return template.HTML(b.String())
}
