package reconcile

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"time"
)

func WriteVerticesCSV(path string, rows []VertexRow) error {
	return writeFile(path, func(w io.Writer) error { return writeVertices(w, rows) })
}

func WritePricesCSV(path string, rows []PriceRow) error {
	return writeFile(path, func(w io.Writer) error { return writePrices(w, rows) })
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeVertices(out io.Writer, rows []VertexRow) error {
	w := csv.NewWriter(out)
	header := []string{"market", "owner", "interval", "marginal_price", "power_kw", "cost"}
	if err := w.Write(header); err != nil {
		return err
	}
	for _, r := range rows {
		row := []string{
			r.Market,
			r.Owner,
			r.Interval,
			fmtFloat(r.MarginalPrice),
			fmtFloat(r.Power),
			fmtFloat(r.Cost),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func writePrices(out io.Writer, rows []PriceRow) error {
	w := csv.NewWriter(out)
	header := []string{
		"index",
		"market",
		"interval_start_utc",
		"interval_end_utc",
		"marginal_price",
		"total_generation_kw",
		"total_demand_kw",
		"net_power_kw",
		"production_cost",
		"dual_cost",
	}
	if err := w.Write(header); err != nil {
		return err
	}
	for _, r := range rows {
		row := []string{
			strconv.Itoa(r.Index),
			r.Market,
			fmtTime(r.IntervalStart),
			fmtTime(r.IntervalEnd),
			fmtFloat(r.MarginalPrice),
			fmtFloat(r.TotalGeneration),
			fmtFloat(r.TotalDemand),
			fmtFloat(r.NetPower),
			fmtFloat(r.ProductionCost),
			fmtFloat(r.DualCost),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func fmtFloat(x float64) string {
	return strconv.FormatFloat(x, 'f', 6, 64)
}
