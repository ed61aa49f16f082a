package retrieval

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/joelkehle/patent-categorizer/internal/patent"
)

// FieldMapping lists, per record field, the response paths that may carry it.
// Paths are dotted ("assignees.assignee_organization"); arrays on the way are
// fanned out. The first path that yields a non-empty value wins.
type FieldMapping struct {
	PatentNumber      []string
	ApplicationNumber []string
	PublicationNumber []string
	Title             []string
	Abstract          []string
	PatentDate        []string
	FilingDate        []string
	PriorityDate      []string
	Assignees         []string
	InventorFirst     []string
	InventorLast      []string
	CPCCodes          []string
	IPCCodes          []string
	USPCCodes         []string
	Citations         []string
	Claims            []string
}

var SearchFields = []string{
	"patent_id", "patent_number", "patent_title", "patent_abstract", "patent_date",
	"application_number", "app_date", "assignee_organization", "inventor_name_first", "inventor_name_last",
	"publication_number", "publication_date", "cpc_subgroup_id", "ipc_class_symbol", "uspc_class",
	"patent_priority_date", "patent_num_cited_by_us_patents", "claim_statement",
}

var SearchMapping = FieldMapping{
	PatentNumber:      []string{"patent_id", "patent_number", "publication_number", "document_number"},
	ApplicationNumber: []string{"application_number", "application.application_id"},
	PublicationNumber: []string{"publication_number", "document_number"},
	Title:             []string{"patent_title", "publication_title"},
	Abstract:          []string{"patent_abstract", "publication_abstract"},
	PatentDate:        []string{"patent_date", "publication_date"},
	FilingDate:        []string{"app_date", "application.filing_date", "filing_date"},
	PriorityDate:      []string{"patent_priority_date", "priority_date"},
	Assignees:         []string{"assignee_organization", "assignees.assignee_organization"},
	InventorFirst:     []string{"inventor_name_first", "inventors.inventor_name_first"},
	InventorLast:      []string{"inventor_name_last", "inventors.inventor_name_last"},
	CPCCodes:          []string{"cpc_subgroup_id", "cpc_current.cpc_group_id", "cpc_at_issue.cpc_group_id"},
	IPCCodes:          []string{"ipc_class_symbol", "ipcr.ipc_class_symbol"},
	USPCCodes:         []string{"uspc_class", "uspc_at_issue.uspc_mainclass_id"},
	Citations:         []string{"patent_num_cited_by_us_patents", "patent_num_times_cited_by_us_patents"},
	Claims:            []string{"claim_statement", "claims.claim_text"},
}

var LegacyFields = []string{
	"patent_number", "patent_title", "patent_abstract", "patent_date", "app_number", "app_date",
	"assignee_organization", "inventor_first_name", "inventor_last_name", "cpc_subgroup_id",
	"ipc_class", "uspc_mainclass_id", "patent_num_cited_by_us_patents",
}

var LegacyMapping = FieldMapping{
	PatentNumber:      []string{"patent_number"},
	ApplicationNumber: []string{"app_number", "applications.app_number"},
	Title:             []string{"patent_title"},
	Abstract:          []string{"patent_abstract"},
	PatentDate:        []string{"patent_date"},
	FilingDate:        []string{"app_date", "applications.app_date"},
	Assignees:         []string{"assignee_organization", "assignees.assignee_organization"},
	InventorFirst:     []string{"inventor_first_name", "inventors.inventor_first_name"},
	InventorLast:      []string{"inventor_last_name", "inventors.inventor_last_name"},
	CPCCodes:          []string{"cpc_subgroup_id", "cpcs.cpc_subgroup_id"},
	IPCCodes:          []string{"ipc_class", "IPCs.ipc_class"},
	USPCCodes:         []string{"uspc_mainclass_id", "uspcs.uspc_mainclass_id"},
	Citations:         []string{"patent_num_cited_by_us_patents"},
}

// Apply reconciles one raw result into a record. Source and patent type are
// left for the caller.
func (m FieldMapping) Apply(raw map[string]any) patent.Record {
	rec := patent.Record{
		PatentNumber:      firstString(raw, m.PatentNumber),
		ApplicationNumber: patent.StringPtr(firstString(raw, m.ApplicationNumber)),
		PublicationNumber: patent.StringPtr(firstString(raw, m.PublicationNumber)),
		Title:             patent.StringPtr(firstString(raw, m.Title)),
		Abstract:          patent.StringPtr(firstString(raw, m.Abstract)),
		PatentDate:        patent.StringPtr(firstString(raw, m.PatentDate)),
		FilingDate:        patent.StringPtr(firstString(raw, m.FilingDate)),
		PriorityDate:      patent.StringPtr(firstString(raw, m.PriorityDate)),
		Assignees:         stringList(raw, m.Assignees),
		Inventors:         patent.ZipInventors(stringList(raw, m.InventorFirst), stringList(raw, m.InventorLast)),
		CPCCodes:          stringList(raw, m.CPCCodes),
		IPCCodes:          stringList(raw, m.IPCCodes),
		USPCCodes:         stringList(raw, m.USPCCodes),
		Claims:            patent.StringPtr(strings.Join(stringList(raw, m.Claims), "\n")),
	}
	if n, ok := firstInt(raw, m.Citations); ok {
		rec.Citations = &n
	}
	return rec
}

func lookupPath(v any, path []string) []any {
	if len(path) == 0 {
		if arr, ok := v.([]any); ok {
			out := []any{}
			for _, item := range arr {
				out = append(out, lookupPath(item, nil)...)
			}
			return out
		}
		if v == nil {
			return nil
		}
		return []any{v}
	}
	switch cur := v.(type) {
	case map[string]any:
		next, ok := cur[path[0]]
		if !ok {
			return nil
		}
		return lookupPath(next, path[1:])
	case []any:
		out := []any{}
		for _, item := range cur {
			out = append(out, lookupPath(item, path)...)
		}
		return out
	default:
		return nil
	}
}

func valuesAt(raw map[string]any, path string) []any {
	return lookupPath(raw, strings.Split(path, "."))
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

func firstString(raw map[string]any, paths []string) string {
	for _, p := range paths {
		for _, v := range valuesAt(raw, p) {
			if s := scalarString(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func stringList(raw map[string]any, paths []string) []string {
	for _, p := range paths {
		var out []string
		for _, v := range valuesAt(raw, p) {
			if s := scalarString(v); s != "" {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

func firstInt(raw map[string]any, paths []string) (int, bool) {
	for _, p := range paths {
		for _, v := range valuesAt(raw, p) {
			s := scalarString(v)
			if s == "" {
				continue
			}
			if n, err := strconv.Atoi(s); err == nil {
				return n, true
			}
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return int(f), true
			}
		}
	}
	return 0, false
}
