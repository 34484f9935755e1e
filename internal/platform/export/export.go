// Package export renders discharge summaries as printable HTML and, when a
// headless Chrome binary is present, as PDF. The HTML form is always
// available so a missing browser never blocks a clinic from handing an
// owner their paperwork.
package export

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"time"

	"github.com/vetdesk/vetdesk/internal/platform/notify"
)

// ErrPDFUnavailable reports that no headless Chrome binary was found.
var ErrPDFUnavailable = errors.New("pdf rendering unavailable")

// Result is a rendered artifact ready to stream or store.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// Medication is one prescription row in the discharge document.
type Medication struct {
	Name      string
	Dose      string
	Route     string
	Frequency string
	Duration  string
}

// DischargeDoc carries everything the printable discharge summary shows.
type DischargeDoc struct {
	ClinicName   string
	ClinicPhone  string
	ClinicEmail  string
	PatientName  string
	Species      string
	Breed        string
	OwnerName    string
	CaseTitle    string
	Veterinarian string
	DischargedAt time.Time
	Summary      string // markdown from the discharge pipeline
	Diagnoses    []string
	Medications  []Medication
	FollowUps    []string
}

const dischargeDocHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>Discharge summary — {{.PatientName}}</title>
  <style>
    body { font-family: Georgia, serif; color: #1a202c; line-height: 1.5; max-width: 720px; margin: 2rem auto; }
    header { border-bottom: 2px solid #2b6cb0; padding-bottom: 0.75rem; margin-bottom: 1.5rem; }
    header h1 { margin: 0; font-size: 1.4rem; color: #2b6cb0; }
    header .contact { color: #718096; font-size: 0.85rem; }
    .patient-grid { display: grid; grid-template-columns: 1fr 1fr; gap: 0.25rem 2rem; margin-bottom: 1.5rem; font-size: 0.95rem; }
    .patient-grid dt { font-weight: bold; color: #4a5568; }
    .patient-grid dd { margin: 0; }
    h2 { font-size: 1.1rem; border-bottom: 1px solid #e2e8f0; padding-bottom: 0.25rem; }
    table { width: 100%; border-collapse: collapse; font-size: 0.9rem; }
    th, td { text-align: left; padding: 6px 8px; border-bottom: 1px solid #e2e8f0; }
    th { background: #f7fafc; }
    footer { margin-top: 2rem; color: #718096; font-size: 0.8rem; }
    @page { margin: 0.75in; }
  </style>
</head>
<body>
  <header>
    <h1>{{.ClinicName}}</h1>
    <div class="contact">{{if .ClinicPhone}}{{.ClinicPhone}}{{end}}{{if and .ClinicPhone .ClinicEmail}} · {{end}}{{if .ClinicEmail}}{{.ClinicEmail}}{{end}}</div>
  </header>

  <dl class="patient-grid">
    <div><dt>Patient</dt><dd>{{.PatientName}}{{if .Species}} ({{.Species}}{{if .Breed}}, {{.Breed}}{{end}}){{end}}</dd></div>
    <div><dt>Owner</dt><dd>{{.OwnerName}}</dd></div>
    <div><dt>Visit</dt><dd>{{.CaseTitle}}</dd></div>
    <div><dt>Discharged</dt><dd>{{.DischargedAt.Format "January 2, 2006"}}</dd></div>
    {{if .Veterinarian}}<div><dt>Veterinarian</dt><dd>{{.Veterinarian}}</dd></div>{{end}}
  </dl>

  {{if .Diagnoses}}
  <h2>Diagnoses</h2>
  <ul>{{range .Diagnoses}}<li>{{.}}</li>{{end}}</ul>
  {{end}}

  <h2>Home care instructions</h2>
  <div>{{.SummaryHTML}}</div>

  {{if .Medications}}
  <h2>Medications</h2>
  <table>
    <tr><th>Medication</th><th>Dose</th><th>Route</th><th>Frequency</th><th>Duration</th></tr>
    {{range .Medications}}<tr><td>{{.Name}}</td><td>{{.Dose}}</td><td>{{.Route}}</td><td>{{.Frequency}}</td><td>{{.Duration}}</td></tr>{{end}}
  </table>
  {{end}}

  {{if .FollowUps}}
  <h2>Follow-up</h2>
  <ul>{{range .FollowUps}}<li>{{.}}</li>{{end}}</ul>
  {{end}}

  <footer>Generated by {{.ClinicName}} · If your pet's condition worsens, contact the clinic immediately.</footer>
</body>
</html>`

var dischargeDocTmpl = template.Must(template.New("discharge-doc").Parse(dischargeDocHTML))

// RenderDischargeHTML renders the printable discharge document.
func RenderDischargeHTML(doc DischargeDoc) (*Result, error) {
	var buf bytes.Buffer
	err := dischargeDocTmpl.Execute(&buf, struct {
		DischargeDoc
		SummaryHTML template.HTML
	}{doc, notify.MarkdownHTML(doc.Summary)})
	if err != nil {
		return nil, fmt.Errorf("render discharge document: %w", err)
	}

	return &Result{
		Data:     buf.Bytes(),
		Filename: sanitizeFilename("discharge-"+doc.PatientName) + ".html",
		MimeType: "text/html; charset=utf-8",
	}, nil
}

// RenderDischargePDF renders the document HTML and converts it with headless
// Chrome. Returns ErrPDFUnavailable when no browser binary is installed;
// callers fall back to RenderDischargeHTML.
func RenderDischargePDF(doc DischargeDoc) (*Result, error) {
	html, err := RenderDischargeHTML(doc)
	if err != nil {
		return nil, err
	}

	pdf, err := htmlToPDF(string(html.Data))
	if err != nil {
		return nil, err
	}

	return &Result{
		Data:     pdf,
		Filename: sanitizeFilename("discharge-"+doc.PatientName) + ".pdf",
		MimeType: "application/pdf",
	}, nil
}

// sanitizeFilename reduces a title to a safe download name.
func sanitizeFilename(title string) string {
	out := make([]rune, 0, len(title))
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		case r == ' ':
			out = append(out, '-')
		}
	}
	if len(out) > 50 {
		out = out[:50]
	}
	if len(out) == 0 {
		return "document"
	}
	return string(out)
}
