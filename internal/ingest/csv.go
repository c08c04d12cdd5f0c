package ingest

import (
	"bufio"
	"fmt"
	"strings"
	"time"
)

// columnIndexes locates the known columns in a header row; -1 means absent.
type columnIndexes struct {
	Address       int
	City          int
	State         int
	Zip           int
	CaseID        int
	ViolationType int
	Status        int
	OpenedDate    int
}

// Column-name aliases seen across city code-enforcement exports. Matching is
// case-insensitive on the collapsed header token.
var columnAliases = map[string][]string{
	"address":   {"address", "property address", "site address", "location address"},
	"city":      {"city", "property city", "municipality"},
	"state":     {"state", "st", "property state"},
	"zip":       {"zip", "zip code", "zipcode", "postal code"},
	"case":      {"case id", "case number", "case #", "case no", "record id"},
	"violation": {"violation", "violation type", "violation description", "description", "complaint type"},
	"status":    {"status", "case status", "violation status"},
	"opened":    {"opened date", "open date", "date opened", "violation date", "created date"},
}

func mapColumns(header []string) columnIndexes {
	columns := columnIndexes{
		Address: -1, City: -1, State: -1, Zip: -1,
		CaseID: -1, ViolationType: -1, Status: -1, OpenedDate: -1,
	}

	for i, name := range header {
		token := strings.ToLower(strings.Join(strings.Fields(name), " "))
		switch {
		case columns.Address < 0 && matchesAlias(token, "address"):
			columns.Address = i
		case columns.City < 0 && matchesAlias(token, "city"):
			columns.City = i
		case columns.State < 0 && matchesAlias(token, "state"):
			columns.State = i
		case columns.Zip < 0 && matchesAlias(token, "zip"):
			columns.Zip = i
		case columns.CaseID < 0 && matchesAlias(token, "case"):
			columns.CaseID = i
		case columns.ViolationType < 0 && matchesAlias(token, "violation"):
			columns.ViolationType = i
		case columns.Status < 0 && matchesAlias(token, "status"):
			columns.Status = i
		case columns.OpenedDate < 0 && matchesAlias(token, "opened"):
			columns.OpenedDate = i
		}
	}
	return columns
}

func matchesAlias(token, kind string) bool {
	for _, alias := range columnAliases[kind] {
		if token == alias {
			return true
		}
	}
	return false
}

// ParsedRow is one data row lifted out of the CSV with its original text.
type ParsedRow struct {
	RowNumber     int // 1-based data row number, excluding the header
	RawLine       string
	Address       string
	City          string
	State         string
	Zip           string
	CaseID        string
	ViolationType string
	Status        string
	OpenedDate    *time.Time
}

// RowError records a row-level problem. Row errors are aggregated, never
// fatal to the job.
type RowError struct {
	RowNumber int    `json:"row_number"`
	Reason    string `json:"reason"`
}

// ParseResult carries the parsed rows and the rows that failed validation.
type ParseResult struct {
	Rows      []ParsedRow
	RowErrors []RowError
}

var openedDateFormats = []string{
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"01-02-2006",
	time.RFC3339,
}

func parseOpenedDate(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	for _, format := range openedDateFormats {
		if parsed, err := time.Parse(format, value); err == nil {
			return &parsed
		}
	}
	return nil
}

// ParseCSV parses one jurisdiction's CSV document. Rows missing any of the
// required columns (address, city, violation) are recorded as row errors and
// excluded; they never fail the parse.
func ParseCSV(csvText string) (*ParseResult, error) {
	scanner := bufio.NewScanner(strings.NewReader(csvText))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	if !scanner.Scan() {
		return nil, fmt.Errorf("empty csv document")
	}

	headerFields, err := parseCSVLine(scanner.Text())
	if err != nil {
		return nil, fmt.Errorf("parse csv header: %w", err)
	}

	columns := mapColumns(headerFields)
	if columns.Address < 0 || columns.City < 0 || columns.ViolationType < 0 {
		return nil, fmt.Errorf("csv header missing required columns (address, city, violation)")
	}

	result := &ParseResult{}
	rowNumber := 0

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		rowNumber++

		fields, err := parseCSVLine(line)
		if err != nil {
			result.RowErrors = append(result.RowErrors, RowError{
				RowNumber: rowNumber,
				Reason:    fmt.Sprintf("malformed csv: %v", err),
			})
			continue
		}

		row := ParsedRow{
			RowNumber:     rowNumber,
			RawLine:       line,
			Address:       fieldAt(fields, columns.Address),
			City:          fieldAt(fields, columns.City),
			State:         fieldAt(fields, columns.State),
			Zip:           fieldAt(fields, columns.Zip),
			CaseID:        fieldAt(fields, columns.CaseID),
			ViolationType: fieldAt(fields, columns.ViolationType),
			Status:        normalizeViolationStatus(fieldAt(fields, columns.Status)),
			OpenedDate:    parseOpenedDate(fieldAt(fields, columns.OpenedDate)),
		}

		if missing := missingRequired(row); missing != "" {
			result.RowErrors = append(result.RowErrors, RowError{
				RowNumber: rowNumber,
				Reason:    "missing required column: " + missing,
			})
			continue
		}

		result.Rows = append(result.Rows, row)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan csv: %w", err)
	}
	return result, nil
}

func missingRequired(row ParsedRow) string {
	switch {
	case row.Address == "":
		return "address"
	case row.City == "":
		return "city"
	case row.ViolationType == "":
		return "violation"
	}
	return ""
}

// normalizeViolationStatus collapses the many upstream status spellings into
// open/closed/unknown buckets.
func normalizeViolationStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "open", "active", "pending", "in progress", "in-progress", "new":
		return "open"
	case "closed", "resolved", "complied", "abated", "void", "dismissed":
		return "closed"
	case "":
		return "unknown"
	default:
		return strings.ToLower(strings.TrimSpace(status))
	}
}
