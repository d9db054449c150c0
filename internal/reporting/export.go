package reporting

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"outbound-caller/internal/calls"
)

const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"

	ContentTypeCSV  = "text/csv"
	ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var exportHeader = []string{
	"call_id", "campaign", "contact_name", "contact_phone", "property_address",
	"status", "outcome", "duration_seconds", "appointment_at", "callback_preferred_at",
	"notes", "summary", "recording_url", "started_at", "ended_at", "created_at",
}

func exportRecord(v calls.CallView) []string {
	dur := ""
	if v.DurationSeconds != nil {
		dur = strconv.Itoa(*v.DurationSeconds)
	}
	return []string{
		v.ID, v.CampaignName, v.ContactName, v.ContactPhone, v.PropertyAddress,
		string(v.Status), string(v.Outcome), dur, v.AppointmentAt, v.CallbackPreferredAt,
		v.Notes, v.Summary, v.RecordingURL, fmtTime(v.StartedAt), fmtTime(v.EndedAt), v.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func fmtTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// Export renders call rows as a downloadable file. It returns the file name
// and content type to serve it with.
func Export(rows []calls.CallView, format string, now time.Time) (filename, contentType string, data []byte, err error) {
	stamp := now.UTC().Format("20060102-150405")
	switch format {
	case "", FormatCSV:
		data, err = exportCSV(rows)
		return "calls-" + stamp + ".csv", ContentTypeCSV, data, err
	case FormatXLSX:
		data, err = exportXLSX(rows)
		return "calls-" + stamp + ".xlsx", ContentTypeXLSX, data, err
	}
	return "", "", nil, fmt.Errorf("%w: unknown export format %q", ErrInvalidRequest, format)
}

func exportCSV(rows []calls.CallView) ([]byte, error) {
	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	if err := w.Write(exportHeader); err != nil {
		return nil, err
	}
	for _, v := range rows {
		if err := w.Write(exportRecord(v)); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func exportXLSX(rows []calls.CallView) ([]byte, error) {
	xl := excelize.NewFile()
	defer func() { _ = xl.Close() }()

	const sheet = "Calls"
	xl.SetSheetName(xl.GetSheetName(0), sheet)
	header := append([]string(nil), exportHeader...)
	if err := xl.SetSheetRow(sheet, "A1", &header); err != nil {
		return nil, err
	}
	for i, v := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		record := exportRecord(v)
		if err := xl.SetSheetRow(sheet, cell, &record); err != nil {
			return nil, err
		}
	}

	buf, err := xl.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write xlsx: %w", err)
	}
	return buf.Bytes(), nil
}
