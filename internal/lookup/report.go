package lookup

import (
	"fmt"
	"strings"

	"github.com/joelkehle/patent-categorizer/internal/categorization"
	"github.com/joelkehle/patent-categorizer/internal/patent"
)

const unknown = "Unknown"

func BuildReportMarkdown(result Result, status string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Patent Categorization Report\n\n")
	if status != "" {
		fmt.Fprintf(&b, "_%s_\n\n", status)
	}
	buildMetadata(&b, result)
	switch {
	case result.Categorization != nil:
		buildCategorization(&b, *result.Categorization)
	case result.Fallback != nil:
		buildFallback(&b, *result.Fallback, result.CategorizationError)
	}
	buildAttempts(&b, result)
	return b.String()
}

// BuildNotFoundMarkdown renders the actionable message for a failed lookup.
func BuildNotFoundMarkdown(id patent.Identifier, err error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Patent Not Found\n\n")
	fmt.Fprintf(&b, "No record was found for `%s` (%s, %s `%s`).\n\n",
		cell(id.RawInput), id.PatentType, id.FieldType, cell(id.NormalizedNumber))
	fmt.Fprintf(&b, "Check the number and the selected patent type, then try again.\n\n")
	if err != nil {
		fmt.Fprintf(&b, "```\n%s\n```\n", err.Error())
	}
	return b.String()
}

func buildMetadata(b *strings.Builder, result Result) {
	rec := result.Record
	fmt.Fprintf(b, "## Patent Metadata\n\n")
	fmt.Fprintf(b, "| Field | Value |\n| --- | --- |\n")
	row(b, "Patent number", rec.PatentNumber)
	row(b, "Patent type", string(result.Identifier.PatentType))
	row(b, "Title", orUnknown(rec.Title))
	row(b, "Filing date", orUnknown(rec.FilingDate))
	row(b, "Priority date", orUnknown(rec.PriorityDate))
	row(b, "Publication date", orUnknown(rec.PatentDate))
	row(b, "Assignees", joinOrUnknown(rec.Assignees))
	row(b, "Inventors", joinOrUnknown(inventorNames(rec.Inventors)))
	row(b, "CPC", joinOrUnknown(rec.CPCCodes))
	row(b, "IPC", joinOrUnknown(rec.IPCCodes))
	row(b, "USPC", joinOrUnknown(rec.USPCCodes))
	if rec.Citations != nil {
		row(b, "Cited by", fmt.Sprintf("%d", *rec.Citations))
	} else {
		row(b, "Cited by", unknown)
	}
	source := string(rec.Source)
	if result.CacheHit {
		source += " (cached)"
	}
	row(b, "Source", source)
	b.WriteString("\n")
	if rec.Abstract != nil {
		fmt.Fprintf(b, "### Abstract\n\n%s\n\n", strings.TrimSpace(*rec.Abstract))
	}
}

func buildCategorization(b *strings.Builder, res categorization.Result) {
	fmt.Fprintf(b, "## LLM Categorization\n\n")
	fmt.Fprintf(b, "**Primary category:** %s\n\n", safe(res.PrimaryCategory))
	list(b, "Technology areas", res.TechnologyAreas)
	list(b, "Predicted IPC", res.IPCPredicted)
	list(b, "Predicted CPC", res.CPCPredicted)
	list(b, "Predicted USPC", res.USPCPredicted)
	if strings.TrimSpace(res.Reasoning) != "" {
		fmt.Fprintf(b, "### Reasoning\n\n%s\n\n", strings.TrimSpace(res.Reasoning))
	}
}

func buildFallback(b *strings.Builder, fb categorization.Fallback, cerr *categorization.Error) {
	fmt.Fprintf(b, "## Fallback Categorization\n\n")
	if cerr != nil {
		fmt.Fprintf(b, "Using rule-based summary because LLM categorization failed.\n\n")
	} else {
		fmt.Fprintf(b, "LLM categorization was not requested.\n\n")
	}
	if len(fb.CPCCodes) > 0 {
		fmt.Fprintf(b, "| CPC | Section | Class | Subclass | Group |\n| --- | --- | --- | --- | --- |\n")
		for _, c := range fb.CPCCodes {
			fmt.Fprintf(b, "| %s | %s (%s) | %s | %s | %s |\n", cell(c.Raw), c.Section, c.SectionName, cell(c.Class), cell(c.Subclass), cell(c.Rest))
		}
		b.WriteString("\n")
	} else {
		fmt.Fprintf(b, "No CPC codes available.\n\n")
	}
	if cerr != nil {
		fmt.Fprintf(b, "### LLM Failure Details\n\n")
		fmt.Fprintf(b, "%s\n\n", cerr.Error())
		if cerr.Raw != "" {
			fmt.Fprintf(b, "```\n%s\n```\n\n", cerr.Raw)
		}
	}
}

func buildAttempts(b *strings.Builder, result Result) {
	if len(result.Attempts) == 0 {
		return
	}
	fmt.Fprintf(b, "## Retrieval\n\n")
	for _, a := range result.Attempts {
		if a.Error != "" {
			fmt.Fprintf(b, "- `%s`: %s (%d ms) %s\n", a.Stage, a.Outcome, a.ElapsedMS, cell(a.Error))
			continue
		}
		fmt.Fprintf(b, "- `%s`: %s (%d ms)\n", a.Stage, a.Outcome, a.ElapsedMS)
	}
	b.WriteString("\n")
}

func list(b *strings.Builder, label string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "**%s:**\n\n", label)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", safe(it))
	}
	b.WriteString("\n")
}

func row(b *strings.Builder, field, value string) {
	fmt.Fprintf(b, "| %s | %s |\n", field, cell(value))
}

func inventorNames(in []patent.Inventor) []string {
	out := make([]string, 0, len(in))
	for _, i := range in {
		if n := i.FullName(); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func orUnknown(s *string) string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return unknown
	}
	return *s
}

func joinOrUnknown(items []string) string {
	if len(items) == 0 {
		return unknown
	}
	return strings.Join(items, ", ")
}

func safe(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return unknown
	}
	return s
}

// cell keeps a value on one table row.
func cell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "|", "\\|")
}
