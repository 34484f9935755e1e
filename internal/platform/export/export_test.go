package export

import (
	"strings"
	"testing"
	"time"
)

func sampleDoc() DischargeDoc {
	return DischargeDoc{
		ClinicName:   "Sunrise Veterinary Clinic",
		ClinicPhone:  "+1 555 000 1111",
		ClinicEmail:  "care@sunrisevet.example",
		PatientName:  "Bella",
		Species:      "canine",
		Breed:        "Labrador",
		OwnerName:    "Dana Reyes",
		CaseTitle:    "Ovariohysterectomy",
		Veterinarian: "Dr. Okafor",
		DischargedAt: time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC),
		Summary:      "## Rest\n- No running for 10 days\n- Keep the cone on",
		Diagnoses:    []string{"Routine spay"},
		Medications: []Medication{
			{Name: "Carprofen", Dose: "75 mg", Route: "oral", Frequency: "once daily", Duration: "5 days"},
		},
		FollowUps: []string{"Suture check in 10-14 days"},
	}
}

func TestRenderDischargeHTML(t *testing.T) {
	res, err := RenderDischargeHTML(sampleDoc())
	if err != nil {
		t.Fatalf("RenderDischargeHTML: %v", err)
	}

	html := string(res.Data)
	for _, want := range []string{
		"Sunrise Veterinary Clinic",
		"Bella",
		"(canine, Labrador)",
		"Dana Reyes",
		"March 14, 2026",
		"Dr. Okafor",
		"<li>Routine spay</li>",
		"<h3>Rest</h3>",
		"<li>Keep the cone on</li>",
		"<td>Carprofen</td>",
		"<td>75 mg</td>",
		"<li>Suture check in 10-14 days</li>",
	} {
		if !strings.Contains(html, want) {
			t.Errorf("html missing %q", want)
		}
	}

	if res.Filename != "discharge-Bella.html" {
		t.Errorf("filename = %q", res.Filename)
	}
	if !strings.HasPrefix(res.MimeType, "text/html") {
		t.Errorf("mime = %q", res.MimeType)
	}
}

func TestRenderEscapesSummary(t *testing.T) {
	doc := sampleDoc()
	doc.Summary = `<script>alert("x")</script>`

	res, err := RenderDischargeHTML(doc)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(res.Data), "<script>") {
		t.Error("summary markdown must be escaped")
	}
}

func TestRenderOmitsEmptySections(t *testing.T) {
	doc := sampleDoc()
	doc.Diagnoses = nil
	doc.Medications = nil
	doc.FollowUps = nil
	doc.Veterinarian = ""

	res, err := RenderDischargeHTML(doc)
	if err != nil {
		t.Fatal(err)
	}
	html := string(res.Data)
	for _, absent := range []string{"Diagnoses", "<table>", "Follow-up</h2>", "Veterinarian"} {
		if strings.Contains(html, absent) {
			t.Errorf("html should omit %q when empty", absent)
		}
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"discharge-Bella":       "discharge-Bella",
		"Mr. Whiskers (feline)": "Mr-Whiskers-feline",
		"":                      "document",
		strings.Repeat("a", 80): strings.Repeat("a", 50),
	}
	for in, want := range cases {
		if got := sanitizeFilename(in); got != want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPercentEncode(t *testing.T) {
	got := percentEncode("<p>a b</p>")
	if strings.Contains(got, "+") {
		t.Error("spaces must encode as %20, not +")
	}
	if got != "%3Cp%3Ea%20b%3C%2Fp%3E" {
		t.Errorf("encoded = %q", got)
	}
}

func TestPDFUnavailableWithoutChrome(t *testing.T) {
	if chromeAvailable() {
		t.Skip("chrome installed; unavailability path not reachable")
	}
	if _, err := RenderDischargePDF(sampleDoc()); err == nil {
		t.Error("expected ErrPDFUnavailable")
	}
}
