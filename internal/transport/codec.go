package transport

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"transactive-network/internal/model"
)

// Header is the column order of the tabular signal format, one record per
// row.
var Header = []string{
	"E_Type", "TimeStamp", "TimeInterval", "Record", "MarginalPrice", "Power",
	"PowerUncertainty", "Cost", "ReactivePower", "ReactivePowerUncertainty",
	"Voltage", "VoltageUncertainty",
}

func Encode(msg Message) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	return b, nil
}

func encodeJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal data: %w", err)
	}
	return b, nil
}

func Decode(b []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(b, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if msg.Target == "" {
		return Message{}, fmt.Errorf("decode message %s: missing target", msg.ID)
	}
	return msg, nil
}

func fmtFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

// WriteRecordsCSV writes records in the tabular signal format.
func WriteRecordsCSV(w io.Writer, records []model.TransactiveRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{
			string(r.Commodity),
			r.TimeStamp.UTC().Format(time.RFC3339),
			r.TimeInterval,
			strconv.Itoa(r.Record),
			fmtFloat(r.MarginalPrice),
			fmtFloat(r.Power),
			fmtFloat(r.PowerUncertainty),
			fmtFloat(r.Cost),
			fmtFloat(r.ReactivePower),
			fmtFloat(r.ReactivePowerUncertainty),
			fmtFloat(r.Voltage),
			fmtFloat(r.VoltageUncertainty),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadRecordsCSV parses the tabular signal format. Columns are matched by
// header name; E_Type may be absent.
func ReadRecordsCSV(r io.Reader) ([]model.TransactiveRecord, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := map[string]int{}
	for i, h := range header {
		col[h] = i
	}
	for _, h := range Header[1:] {
		if _, ok := col[h]; !ok {
			return nil, fmt.Errorf("missing column %q", h)
		}
	}

	var out []model.TransactiveRecord
	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rec, err := parseRow(row, col)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, rec)
	}
}

func parseRow(row []string, col map[string]int) (model.TransactiveRecord, error) {
	get := func(name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}
	var (
		rec  model.TransactiveRecord
		errs []error
	)
	num := func(name string) float64 {
		s := get(name)
		if s == "" {
			return 0
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		return v
	}

	if c := get("E_Type"); c != "" {
		parsed, ok := model.ParseCommodity(c)
		if !ok {
			return rec, fmt.Errorf("E_Type: unknown commodity %q", c)
		}
		rec.Commodity = parsed
	}
	ts, err := time.Parse(time.RFC3339, get("TimeStamp"))
	if err != nil {
		return rec, fmt.Errorf("TimeStamp: %w", err)
	}
	rec.TimeStamp = ts
	rec.TimeInterval = get("TimeInterval")
	n, err := strconv.Atoi(get("Record"))
	if err != nil {
		return rec, fmt.Errorf("Record: %w", err)
	}
	rec.Record = n
	rec.MarginalPrice = num("MarginalPrice")
	rec.Power = num("Power")
	rec.PowerUncertainty = num("PowerUncertainty")
	rec.Cost = num("Cost")
	rec.ReactivePower = num("ReactivePower")
	rec.ReactivePowerUncertainty = num("ReactivePowerUncertainty")
	rec.Voltage = num("Voltage")
	rec.VoltageUncertainty = num("VoltageUncertainty")
	if len(errs) > 0 {
		return rec, errs[0]
	}
	return rec, nil
}
