package reconcile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"transactive-network/internal/market"
)

// CSVWriter reconciles markets by writing their vertex and price tables to
// a directory.
type CSVWriter struct {
	Dir string
	log zerolog.Logger
}

func NewCSVWriter(dir string, log zerolog.Logger) *CSVWriter {
	return &CSVWriter{Dir: dir, log: log}
}

// FileStem is the file name prefix used for a market instance.
func FileStem(marketID string) string {
	return strings.NewReplacer("@", "_", ":", "", "/", "-").Replace(marketID)
}

// Reconcile writes <stem>_vertices.csv and <stem>_prices.csv. The market may
// expire once both are written.
func (w *CSVWriter) Reconcile(ctx context.Context, m *market.Market) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return false, fmt.Errorf("create reconcile dir: %w", err)
	}
	r := Build(m)
	stem := filepath.Join(w.Dir, FileStem(m.ID()))
	if err := WriteVerticesCSV(stem+"_vertices.csv", r.Vertices); err != nil {
		return false, fmt.Errorf("write vertices for %s: %w", m.ID(), err)
	}
	if err := WritePricesCSV(stem+"_prices.csv", r.Prices); err != nil {
		return false, fmt.Errorf("write prices for %s: %w", m.ID(), err)
	}
	w.log.Info().Str("market", m.ID()).Int("vertices", len(r.Vertices)).Int("intervals", len(r.Prices)).Msg("market reconciled")
	return true, nil
}

var _ market.Reconciler = (*CSVWriter)(nil)
