package reporting

import (
	"bytes"
	"encoding/csv"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"outbound-caller/internal/calls"
)

func exportRows() []calls.CallView {
	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	return []calls.CallView{
		{
			Call: calls.Call{
				ID: "call-1", Status: calls.CallStatusCompleted, Outcome: calls.OutcomeCallbackRequested,
				DurationSeconds: calls.Ptr(61), CallbackPreferredAt: "Friday 3pm", Summary: "Wants a call back, \"soon\"",
				CreatedAt: created,
			},
			CampaignName: "Spring sellers", ContactName: "Dana Lee", ContactPhone: "+15550102000",
		},
	}
}

func TestExport_CSV(t *testing.T) {
	now := time.Date(2025, 3, 2, 8, 30, 0, 0, time.UTC)
	name, ct, data, err := Export(exportRows(), FormatCSV, now)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if name != "calls-20250302-083000.csv" || ct != ContentTypeCSV {
		t.Fatalf("unexpected file meta: %s %s", name, ct)
	}
	recs, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("csv parse: %v", err)
	}
	if len(recs) != 2 || len(recs[1]) != len(exportHeader) {
		t.Fatalf("unexpected shape: %v", recs)
	}
	if recs[1][0] != "call-1" || recs[1][6] != "callback_requested" || recs[1][7] != "61" {
		t.Fatalf("unexpected row: %v", recs[1])
	}
	if !strings.Contains(recs[1][11], `"soon"`) {
		t.Fatalf("expected quotes to survive: %q", recs[1][11])
	}
}

func TestExport_XLSX(t *testing.T) {
	_, ct, data, err := Export(exportRows(), FormatXLSX, time.Now())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if ct != ContentTypeXLSX {
		t.Fatalf("unexpected content type %s", ct)
	}
	xl, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("open xlsx: %v", err)
	}
	defer xl.Close()
	rows, err := xl.GetRows("Calls")
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 2 || rows[0][0] != "call_id" || rows[1][3] != "+15550102000" {
		t.Fatalf("unexpected rows: %v", rows)
	}
}

func TestExport_UnknownFormat(t *testing.T) {
	if _, _, _, err := Export(nil, "pdf", time.Now()); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}
