package signal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"

	"tradesync/internal/domain"
)

// Compile-time interface check.
var _ Source = (*ParquetSource)(nil)

// ParquetSource reads desired-signal rows from Parquet files written by
// strategy evaluation, one file per run at <Dir>/<label>.parquet.
type ParquetSource struct {
	Dir string
}

// NewParquetSource creates a ParquetSource rooted at the given directory.
func NewParquetSource(dir string) *ParquetSource {
	return &ParquetSource{Dir: dir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// SignalRecord is the Parquet schema for one desired-signal row. Decimal
// columns are stored as strings so quantities and prices round-trip exactly.
type SignalRecord struct {
	Symbol       string `parquet:"symbol"`
	Market       string `parquet:"market"`
	Currency     string `parquet:"currency,optional"`
	SecurityType string `parquet:"security_type,optional"`
	Multiplier   string `parquet:"multiplier,optional"`
	MinTick      string `parquet:"min_tick,optional"`

	Action   string `parquet:"action"`
	Quant    string `parquet:"quant"`
	Position string `parquet:"position"`

	OrderType string `parquet:"order_type,optional"`
	Limit     string `parquet:"limit,optional"`
	Stop      string `parquet:"stop,optional"`
	Offset    string `parquet:"offset,optional"`
	TIF       string `parquet:"tif,optional"`
	Condition string `parquet:"condition,optional"`
	OrderRef  string `parquet:"order_ref,optional"`
	Stoploss  string `parquet:"stoploss,optional"`

	TradedAt int64 `parquet:"traded_at,timestamp(millisecond)"`

	// Slots carries the named working-order shapes, replacing the legacy
	// prefixed-column convention (tp1_action, tp1_quant, ...) with an
	// explicit repeated group.
	Slots []SlotRecord `parquet:"slots,list,optional"`
}

// SlotRecord is one named working-order slot in the Parquet schema.
type SlotRecord struct {
	Name      string `parquet:"name"`
	Action    string `parquet:"action"`
	Quant     string `parquet:"quant"`
	OrderType string `parquet:"order_type,optional"`
	Limit     string `parquet:"limit,optional"`
	Stop      string `parquet:"stop,optional"`
	Offset    string `parquet:"offset,optional"`
	TIF       string `parquet:"tif,optional"`
	Condition string `parquet:"condition,optional"`
}

// ---------------------------------------------------------------------------
// Source implementation
// ---------------------------------------------------------------------------

// Collect reads the signal file for opts.Label and normalizes its records
// into time-ordered Rows. Rows older than opts.Begin are dropped except for
// the final row of each contract.
func (s *ParquetSource) Collect(_ context.Context, opts CollectOptions) ([]Row, error) {
	path := filepath.Join(s.Dir, opts.Label+".parquet")
	records, err := parquet.ReadFile[SignalRecord](path)
	if err != nil {
		return nil, fmt.Errorf("reading signals %s: %w", path, err)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].TradedAt < records[j].TradedAt
	})

	last := make(map[domain.ContractKey]int, len(records))
	for i, r := range records {
		last[domain.ContractKey{Symbol: r.Symbol, Market: r.Market}] = i
	}

	var rows []Row
	for i, r := range records {
		tradedAt := time.UnixMilli(r.TradedAt)
		key := domain.ContractKey{Symbol: r.Symbol, Market: r.Market}
		if !opts.Begin.IsZero() && tradedAt.Before(opts.Begin) && last[key] != i {
			continue
		}
		row, err := normalizeRecord(r, tradedAt)
		if err != nil {
			return nil, fmt.Errorf("signal row %d (%s): %w", i, key, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// WriteSignals writes rows for a label, primarily for tests and for tools
// that bridge backtest output into the replicator.
func (s *ParquetSource) WriteSignals(label string, records []SignalRecord) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(s.Dir, label+".parquet")
	return parquet.WriteFile(path, records)
}

func normalizeRecord(r SignalRecord, tradedAt time.Time) (Row, error) {
	row := Row{
		Symbol:       r.Symbol,
		Market:       r.Market,
		Currency:     r.Currency,
		SecurityType: r.SecurityType,
		Action:       domain.Action(r.Action),
		OrderType:    domain.OrderType(r.OrderType),
		TIF:          domain.TIF(r.TIF),
		Condition:    r.Condition,
		OrderRef:     r.OrderRef,
		TradedAt:     tradedAt,
	}

	var err error
	if row.Multiplier, err = parseDecimal(r.Multiplier); err != nil {
		return row, fmt.Errorf("multiplier: %w", err)
	}
	if row.MinTick, err = parseDecimal(r.MinTick); err != nil {
		return row, fmt.Errorf("min_tick: %w", err)
	}
	if row.Quant, err = parseDecimal(r.Quant); err != nil {
		return row, fmt.Errorf("quant: %w", err)
	}
	if row.Position, err = parseDecimal(r.Position); err != nil {
		return row, fmt.Errorf("position: %w", err)
	}
	if row.Limit, err = parseDecimal(r.Limit); err != nil {
		return row, fmt.Errorf("limit: %w", err)
	}
	if row.Stop, err = parseDecimal(r.Stop); err != nil {
		return row, fmt.Errorf("stop: %w", err)
	}
	if row.Offset, err = parseDecimal(r.Offset); err != nil {
		return row, fmt.Errorf("offset: %w", err)
	}
	if row.Stoploss, err = parseDecimal(r.Stoploss); err != nil {
		return row, fmt.Errorf("stoploss: %w", err)
	}

	for _, slot := range r.Slots {
		shape := OrderShape{
			Action:    domain.Action(slot.Action),
			OrderType: domain.OrderType(slot.OrderType),
			TIF:       domain.TIF(slot.TIF),
			Condition: slot.Condition,
		}
		if shape.Quant, err = parseDecimal(slot.Quant); err != nil {
			return row, fmt.Errorf("slot %s quant: %w", slot.Name, err)
		}
		if shape.Limit, err = parseDecimal(slot.Limit); err != nil {
			return row, fmt.Errorf("slot %s limit: %w", slot.Name, err)
		}
		if shape.Stop, err = parseDecimal(slot.Stop); err != nil {
			return row, fmt.Errorf("slot %s stop: %w", slot.Name, err)
		}
		if shape.Offset, err = parseDecimal(slot.Offset); err != nil {
			return row, fmt.Errorf("slot %s offset: %w", slot.Name, err)
		}
		if row.Slots == nil {
			row.Slots = make(map[string]OrderShape, len(r.Slots))
		}
		row.Slots[slot.Name] = shape
	}
	return row, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Decimal{}, nil
	}
	return decimal.NewFromString(s)
}
