package csvparser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	ErrNoEmailColumn = errors.New("csv must contain an Email column")
	ErrNoRecipients  = errors.New("csv must contain at least one recipient")
)

// ParseRecipients reads recipient addresses from the "Email" column
// (case-insensitive) of a CSV with a header row. Blank cells and repeated
// addresses are skipped; order of first appearance is kept. Other columns
// are ignored.
//
// maxRows limits how many data rows are read (excluding header).
func ParseRecipients(r io.Reader, maxRows int) ([]string, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrNoEmailColumn
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	emailIdx := -1
	for i, h := range headers {
		if strings.EqualFold(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")), "email") {
			emailIdx = i
			break
		}
	}
	if emailIdx == -1 {
		return nil, ErrNoEmailColumn
	}

	if maxRows <= 0 {
		maxRows = 1000
	}

	seen := make(map[string]struct{})
	recipients := make([]string, 0)

	for rows := 0; rows < maxRows; rows++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row %d: %w", rows+2, err)
		}
		if emailIdx >= len(record) {
			// short row
			continue
		}

		addr := strings.TrimSpace(record[emailIdx])
		if addr == "" {
			continue
		}

		key := strings.ToLower(addr)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		recipients = append(recipients, addr)
	}

	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}

	return recipients, nil
}
