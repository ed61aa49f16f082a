package categorization

import "github.com/joelkehle/patent-categorizer/internal/patent"

const FallbackSource = "fallback"

type FallbackDates struct {
	FilingDate      *string `json:"filing_date"`
	PublicationDate *string `json:"publication_date"`
	PriorityDate    *string `json:"priority_date"`
}

// Fallback is the rule-based summary shown when the model is unavailable. It
// is built from the fetched record alone.
type Fallback struct {
	Title     string            `json:"title"`
	Abstract  string            `json:"abstract"`
	Dates     FallbackDates     `json:"dates"`
	Inventors []patent.Inventor `json:"inventors"`
	Assignees []string          `json:"assignees"`
	CPCCodes  []patent.CPCCode  `json:"cpc_codes"`
	IPCCodes  []string          `json:"ipc_codes"`
	USPCCodes []string          `json:"uspc_codes"`
	Citations *int              `json:"citations"`
	Claims    *string           `json:"claims"`
	Sections  map[string]string `json:"sections,omitempty"`
	Source    string            `json:"source"`
}

func BuildFallback(rec patent.Record) Fallback {
	cpc := patent.ParseCPC(rec.CPCCodes)
	var sections map[string]string
	for _, c := range cpc {
		if sections == nil {
			sections = map[string]string{}
		}
		sections[c.Section] = c.SectionName
	}
	return Fallback{
		Title:    rec.TitleText(),
		Abstract: rec.AbstractText(),
		Dates: FallbackDates{
			FilingDate:      rec.FilingDate,
			PublicationDate: rec.PatentDate,
			PriorityDate:    rec.PriorityDate,
		},
		Inventors: rec.Inventors,
		Assignees: rec.Assignees,
		CPCCodes:  cpc,
		IPCCodes:  rec.IPCCodes,
		USPCCodes: rec.USPCCodes,
		Citations: rec.Citations,
		Claims:    rec.Claims,
		Sections:  sections,
		Source:    FallbackSource,
	}
}
