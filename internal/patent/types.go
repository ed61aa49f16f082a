package patent

import (
	"fmt"
	"strings"
)

type PatentType string

const (
	TypeGranted     PatentType = "Granted Patent"
	TypeApplication PatentType = "Patent Application"
)

// ParsePatentType accepts the display labels as well as short CLI/query forms.
func ParsePatentType(s string) (PatentType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "granted", "grant", "patent", "granted patent", "granted_patent":
		return TypeGranted, nil
	case "application", "app", "publication", "patent application", "patent_application":
		return TypeApplication, nil
	default:
		return "", fmt.Errorf("unknown patent type %q (want granted or application)", s)
	}
}

type FieldType string

const (
	FieldPatentNumber      FieldType = "patent_number"
	FieldApplicationNumber FieldType = "application_number"
	FieldPublicationNumber FieldType = "publication_number"
)

type Source string

const (
	SourceSearch   Source = "patentsview_search"
	SourceLegacy   Source = "patentsview_legacy"
	SourceFallback Source = "google_patents_fallback"
)

// Identifier is built once per submission and not modified afterwards.
type Identifier struct {
	RawInput         string     `json:"raw_input"`
	PatentType       PatentType `json:"patent_type"`
	NormalizedNumber string     `json:"normalized_number"`
	FieldType        FieldType  `json:"field_type"`
}

func NewIdentifier(raw string, patentType PatentType) Identifier {
	number, field := Normalize(raw, patentType)
	return Identifier{
		RawInput:         raw,
		PatentType:       patentType,
		NormalizedNumber: number,
		FieldType:        field,
	}
}

// CacheKey is the composite key shared by record and categorization caching.
func (id Identifier) CacheKey() string {
	return CacheKey(id.PatentType, id.NormalizedNumber)
}

func CacheKey(patentType PatentType, normalized string) string {
	return fmt.Sprintf("%s_%s", patentType, normalized)
}

type Inventor struct {
	First string `json:"first,omitempty"`
	Last  string `json:"last,omitempty"`
}

func (i Inventor) FullName() string {
	return strings.TrimSpace(i.First + " " + i.Last)
}

// Record is the normalized result of one retrieval. Nil pointers and nil
// slices mean the source did not provide the field.
type Record struct {
	PatentNumber      string     `json:"patent_number"`
	ApplicationNumber *string    `json:"application_number,omitempty"`
	PublicationNumber *string    `json:"publication_number,omitempty"`
	Title             *string    `json:"patent_title,omitempty"`
	Abstract          *string    `json:"patent_abstract,omitempty"`
	FilingDate        *string    `json:"filing_date,omitempty"`
	PriorityDate      *string    `json:"priority_date,omitempty"`
	PatentDate        *string    `json:"patent_date,omitempty"`
	Assignees         []string   `json:"assignee_organization,omitempty"`
	Inventors         []Inventor `json:"inventors,omitempty"`
	CPCCodes          []string   `json:"cpc_codes,omitempty"`
	IPCCodes          []string   `json:"ipc_codes,omitempty"`
	USPCCodes         []string   `json:"uspc_codes,omitempty"`
	Citations         *int       `json:"citations,omitempty"`
	Claims            *string    `json:"claims,omitempty"`
	PatentType        PatentType `json:"patent_type,omitempty"`
	Source            Source     `json:"source"`
}

func (r Record) Validate() error {
	if strings.TrimSpace(r.PatentNumber) == "" {
		return fmt.Errorf("patent_number is required")
	}
	if r.Source == "" {
		return fmt.Errorf("source is required")
	}
	return nil
}

func (r Record) TitleText() string    { return deref(r.Title) }
func (r Record) AbstractText() string { return deref(r.Abstract) }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// StringPtr returns nil for blank input so absence stays explicit.
func StringPtr(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// ZipInventors pairs first and last names by position. Lists of unequal length
// are not rejected; the missing half of a pair is left empty.
func ZipInventors(first, last []string) []Inventor {
	n := len(first)
	if len(last) > n {
		n = len(last)
	}
	if n == 0 {
		return nil
	}
	out := make([]Inventor, 0, n)
	for i := 0; i < n; i++ {
		var inv Inventor
		if i < len(first) {
			inv.First = strings.TrimSpace(first[i])
		}
		if i < len(last) {
			inv.Last = strings.TrimSpace(last[i])
		}
		out = append(out, inv)
	}
	return out
}
