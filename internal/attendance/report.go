package attendance

import (
	"encoding/csv"
	"io"
	"strings"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/transform"
)

const (
	ReportEncodingUTF8     = "utf8"
	ReportEncodingShiftJIS = "sjis"
)

var reportHeader = []string{"student_id", "name", "status", "marked_at"}

func normalizeReportEncoding(v string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "utf8", "utf-8":
		return ReportEncodingUTF8, true
	case "sjis", "shift_jis", "cp932":
		return ReportEncodingShiftJIS, true
	}
	return "", false
}

// WriteReportCSV writes one line per record. Shift_JIS output is for Excel
// on Windows (CP932).
func WriteReportCSV(w io.Writer, records []AttendanceRecord, enc string, header bool) error {
	var tw *transform.Writer
	if enc == ReportEncodingShiftJIS {
		// 表現できない文字は置換（名簿には多言語の氏名が入る）
		tw = transform.NewWriter(w, encoding.ReplaceUnsupported(japanese.ShiftJIS.NewEncoder()))
		w = tw
	}
	cw := csv.NewWriter(w)

	if header {
		if err := cw.Write(reportHeader); err != nil {
			return err
		}
	}
	for _, r := range records {
		markedAt := ""
		if r.MarkedAt != nil {
			markedAt = r.MarkedAt.UTC().Format(time.RFC3339)
		}
		if err := cw.Write([]string{r.StudentID, r.StudentName, string(r.Status), markedAt}); err != nil {
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	if tw != nil {
		return tw.Close()
	}
	return nil
}
