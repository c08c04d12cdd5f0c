package ingest

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// usStateCodes is the fixed whitelist of two-letter US state and territory
// codes. A state token is valid only if it matches one of these.
var usStateCodes = map[string]bool{
	"AL": true, "AK": true, "AZ": true, "AR": true, "CA": true, "CO": true,
	"CT": true, "DE": true, "FL": true, "GA": true, "HI": true, "ID": true,
	"IL": true, "IN": true, "IA": true, "KS": true, "KY": true, "LA": true,
	"ME": true, "MD": true, "MA": true, "MI": true, "MN": true, "MS": true,
	"MO": true, "MT": true, "NE": true, "NV": true, "NH": true, "NJ": true,
	"NM": true, "NY": true, "NC": true, "ND": true, "OH": true, "OK": true,
	"OR": true, "PA": true, "RI": true, "SC": true, "SD": true, "TN": true,
	"TX": true, "UT": true, "VT": true, "VA": true, "WA": true, "WV": true,
	"WI": true, "WY": true, "DC": true, "PR": true,
}

// violationVocabulary flags location tokens that are evidently violation
// descriptions leaked into the city/state columns by the upstream export.
var violationVocabulary = []string{
	"debris", "illegal", "notice", "violation", "dumping", "overgrown",
	"weeds", "trash", "junk", "abandoned", "unsafe", "graffiti",
	"inoperable", "infestation", "parcel-based location",
}

// sentencePunctuation matches punctuation that place names do not contain:
// a period followed by a capital letter, colons, parentheses, brackets.
var sentencePunctuation = regexp.MustCompile(`\.\s*[A-Z]|[:()\[\]]`)

const maxCityLength = 50

// IsValidCityToken applies the heuristic for "this looks like a place name,
// not a description that got swapped into the location column".
func IsValidCityToken(city string) bool {
	city = strings.TrimSpace(city)
	if city == "" || len(city) > maxCityLength {
		return false
	}

	first := rune(city[0])
	if unicode.IsDigit(first) || first == '-' || first == '#' {
		return false
	}

	if sentencePunctuation.MatchString(city) {
		return false
	}

	lowered := strings.ToLower(city)
	for _, word := range violationVocabulary {
		if strings.Contains(lowered, word) {
			return false
		}
	}
	return true
}

// IsValidStateCode reports whether the token is a two-letter US state code.
func IsValidStateCode(state string) bool {
	return usStateCodes[strings.ToUpper(strings.TrimSpace(state))]
}

// FallbackLocation is substituted for rows whose city or state fails
// validation, before the row is counted as missing.
type FallbackLocation struct {
	City  string
	State string
}

// LocationGroup holds one jurisdiction's share of the upload.
type LocationGroup struct {
	City     string
	State    string
	RowCount int
	// CSV is a sub-document: the original header plus this jurisdiction's
	// data lines, each preserved verbatim. Re-serializing a parsed row
	// risks corrupting embedded commas and quotes.
	CSV string
}

// SplitResult is the detection summary plus the per-jurisdiction documents.
type SplitResult struct {
	TotalRows           int
	MissingLocationRows int
	// RowsPerLocation maps "City|ST" to data row count, including the
	// single-location case.
	RowsPerLocation map[string]int
	// Groups holds one entry per jurisdiction, in first-seen order.
	Groups []LocationGroup
}

// Multi reports whether the file spans more than one jurisdiction and
// therefore needs to be processed as separate ingestion jobs.
func (r *SplitResult) Multi() bool {
	return len(r.Groups) > 1
}

func locationKey(city, state string) string {
	return strings.TrimSpace(city) + "|" + strings.ToUpper(strings.TrimSpace(state))
}

// SplitByLocation parses raw CSV text, validates each row's city/state
// tokens, applies the fallback where configured, and partitions the data
// lines by jurisdiction. Rows whose location is still invalid after fallback
// substitution are counted as missing and excluded from every group.
func SplitByLocation(csvText string, fallback *FallbackLocation) (*SplitResult, error) {
	scanner := bufio.NewScanner(strings.NewReader(csvText))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	if !scanner.Scan() {
		return nil, fmt.Errorf("empty csv document")
	}
	header := scanner.Text()

	headerFields, err := parseCSVLine(header)
	if err != nil {
		return nil, fmt.Errorf("parse csv header: %w", err)
	}

	columns := mapColumns(headerFields)
	if columns.City < 0 {
		return nil, fmt.Errorf("csv header has no city column")
	}

	result := &SplitResult{RowsPerLocation: make(map[string]int)}
	groupIndex := make(map[string]int)

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		result.TotalRows++

		fields, err := parseCSVLine(line)
		if err != nil {
			result.MissingLocationRows++
			continue
		}

		city := fieldAt(fields, columns.City)
		state := fieldAt(fields, columns.State)

		if !IsValidCityToken(city) && fallback != nil {
			city = fallback.City
		}
		if !IsValidStateCode(state) && fallback != nil {
			state = fallback.State
		}
		if !IsValidCityToken(city) || !IsValidStateCode(state) {
			result.MissingLocationRows++
			continue
		}

		key := locationKey(city, state)
		result.RowsPerLocation[key]++

		idx, ok := groupIndex[key]
		if !ok {
			idx = len(result.Groups)
			groupIndex[key] = idx
			result.Groups = append(result.Groups, LocationGroup{
				City:  strings.TrimSpace(city),
				State: strings.ToUpper(strings.TrimSpace(state)),
				CSV:   header,
			})
		}
		result.Groups[idx].CSV += "\n" + line
		result.Groups[idx].RowCount++
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan csv: %w", err)
	}
	return result, nil
}

// parseCSVLine parses a single physical line as one CSV record. Rows with
// embedded newlines inside quotes are not supported by the splitter; they
// fail parsing and are counted as missing-location rows.
func parseCSVLine(line string) ([]string, error) {
	reader := csv.NewReader(strings.NewReader(line))
	reader.FieldsPerRecord = -1
	return reader.Read()
}

func fieldAt(fields []string, index int) string {
	if index < 0 || index >= len(fields) {
		return ""
	}
	return strings.TrimSpace(fields[index])
}
