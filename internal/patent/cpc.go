package patent

import "strings"

var CPCSections = map[string]string{
	"A": "Human Necessities",
	"B": "Performing Operations; Transporting",
	"C": "Chemistry; Metallurgy",
	"D": "Textiles; Paper",
	"E": "Fixed Constructions",
	"F": "Mechanical Engineering; Lighting; Heating; Weapons; Blasting",
	"G": "Physics",
	"H": "Electricity",
	"Y": "General Tagging of New Technologies",
}

type CPCCode struct {
	Raw         string `json:"raw"`
	Section     string `json:"section"`
	SectionName string `json:"section_name"`
	Class       string `json:"class"`
	Subclass    string `json:"subclass"`
	Rest        string `json:"rest"`
}

// ParseCPC skips codes shorter than a full subclass (e.g. "G06F").
func ParseCPC(codes []string) []CPCCode {
	out := make([]CPCCode, 0, len(codes))
	for _, code := range codes {
		code = strings.TrimSpace(code)
		if len(code) < 4 {
			continue
		}
		section := code[:1]
		name, ok := CPCSections[section]
		if !ok {
			name = "Unknown"
		}
		out = append(out, CPCCode{
			Raw:         code,
			Section:     section,
			SectionName: name,
			Class:       code[1:3],
			Subclass:    code[3:4],
			Rest:        code[4:],
		})
	}
	return out
}
