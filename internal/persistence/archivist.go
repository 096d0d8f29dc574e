package persistence

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/kestrelquant/engine/internal/domain"
	"github.com/rs/zerolog"
)

// Archivist owns the durable trade log and the end-of-day archive (§4.10):
// an append-only JSONL ledger for intraday recovery, and a checksummed
// end-of-day bundle (summary, portfolio state, trades, open positions) for
// audit and backtesting reuse.
type Archivist struct {
	dataDir string
	mirror  Mirror
	log     zerolog.Logger
}

// Mirror uploads the end-of-day archive bundle to an off-box store. A nil
// Mirror (via NoopMirror) disables remote replication entirely.
type Mirror interface {
	Upload(ctx context.Context, key string, data []byte) error
}

// NewArchivist builds an Archivist rooted at dataDir, with trades/,
// archive/ and trade_archives_backup/ subdirectories created lazily on first write.
func NewArchivist(dataDir string, mirror Mirror, log zerolog.Logger) *Archivist {
	if mirror == nil {
		mirror = NoopMirror{}
	}
	return &Archivist{dataDir: dataDir, mirror: mirror, log: log.With().Str("component", "archivist").Logger()}
}

// AppendTrade appends one Trade to the trading day's JSONL ledger
// (trades/trades_{day}.jsonl), opening the file append-only and fsyncing
// after every write so a crash loses at most the in-flight write, never a
// prior one.
func (a *Archivist) AppendTrade(trade domain.Trade) error {
	dir := filepath.Join(a.dataDir, "trades")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &domain.PersistenceError{Op: "mkdir_trades", Err: err}
	}
	path := filepath.Join(dir, fmt.Sprintf("trades_%s.jsonl", trade.TradingDay))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return &domain.PersistenceError{Op: "open_trade_log", Err: err}
	}
	defer f.Close()

	line, err := json.Marshal(trade)
	if err != nil {
		return &domain.PersistenceError{Op: "marshal_trade", Err: err}
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return &domain.PersistenceError{Op: "write_trade", Err: err}
	}
	return f.Sync()
}

// ReadTradeLog loads every trade recorded for day from its JSONL ledger.
// A missing file is not an error — it means no trades were recorded yet.
func (a *Archivist) ReadTradeLog(day string) ([]domain.Trade, error) {
	path := filepath.Join(a.dataDir, "trades", fmt.Sprintf("trades_%s.jsonl", day))
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &domain.PersistenceError{Op: "read_trade_log", Err: err}
	}
	return decodeJSONL(data)
}

// archiveMetadata records when and under what mode an archive bundle was
// produced.
type archiveMetadata struct {
	GeneratedAt time.Time
	Mode        domain.Mode
	TradingDay  string
}

// dataIntegrity is the checksummed tail of the archive bundle (§4.10): a
// count, a sha256 over the canonical trade encoding, and the first/last
// trade timestamps, so a reader can detect truncation without replaying
// every trade.
type dataIntegrity struct {
	Count    int
	Checksum string
	FirstTS  *time.Time
	LastTS   *time.Time
}

// archiveBundle is the full end-of-day archive document written to
// archive/trades_{day}_{mode}.json.
type archiveBundle struct {
	Metadata       archiveMetadata
	DailySummary   domain.DailySummary
	PortfolioState domain.PortfolioSnapshot
	Trades         []domain.Trade
	OpenPositions  []domain.Position
	DataIntegrity  dataIntegrity
}

// CloseDay composes the end-of-day summary and archive bundle for day,
// writes archive/summary_{day}.json, archive/state_{day}.json and
// archive/trades_{day}_{mode}.json, copies all three into trade_archives_backup/,
// and — if a non-noop Mirror was configured — uploads the trade archive
// off-box. Returns the composed DailySummary so the scheduler can log/emit
// it. state is the full SchedulerState at close, persisted verbatim
// alongside the derived summary and trade bundle.
func (a *Archivist) CloseDay(day string, mode domain.Mode, state domain.SchedulerState, openingCash float64) (domain.DailySummary, error) {
	trades, err := a.ReadTradeLog(day)
	if err != nil {
		return domain.DailySummary{}, err
	}
	sort.Slice(trades, func(i, j int) bool { return trades[i].Timestamp.Before(trades[j].Timestamp) })

	portfolio := state.Portfolio
	summary := summarize(day, trades, openingCash, portfolio.Cash)

	openPositions := make([]domain.Position, 0, len(portfolio.Positions))
	for _, p := range portfolio.Positions {
		openPositions = append(openPositions, p)
	}
	sort.Slice(openPositions, func(i, j int) bool { return openPositions[i].Symbol.String() < openPositions[j].Symbol.String() })

	bundle := archiveBundle{
		Metadata:       archiveMetadata{GeneratedAt: time.Now(), Mode: mode, TradingDay: day},
		DailySummary:   summary,
		PortfolioState: portfolio,
		Trades:         trades,
		OpenPositions:  openPositions,
		DataIntegrity:  integrityOf(trades),
	}

	if err := a.writeArchiveFiles(day, mode, state, bundle); err != nil {
		return summary, err
	}
	return summary, nil
}

func (a *Archivist) writeArchiveFiles(day string, mode domain.Mode, state domain.SchedulerState, bundle archiveBundle) error {
	archiveDir := filepath.Join(a.dataDir, "archive")
	backupDir := filepath.Join(a.dataDir, "trade_archives_backup")
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return &domain.PersistenceError{Op: "mkdir_archive", Err: err}
	}
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return &domain.PersistenceError{Op: "mkdir_trade_archives_backup", Err: err}
	}

	summaryPath := filepath.Join(archiveDir, fmt.Sprintf("summary_%s.json", day))
	if err := writeJSONAtomically(summaryPath, bundle.DailySummary); err != nil {
		return err
	}

	statePath := filepath.Join(archiveDir, fmt.Sprintf("state_%s.json", day))
	if err := writeJSONAtomically(statePath, state); err != nil {
		return err
	}
	if err := copyFile(statePath, filepath.Join(backupDir, filepath.Base(statePath))); err != nil {
		a.log.Warn().Err(err).Msg("failed to back up daily state snapshot")
	}

	archivePath := filepath.Join(archiveDir, fmt.Sprintf("trades_%s_%s.json", day, mode))
	archiveData, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return &domain.PersistenceError{Op: "marshal_archive", Err: err}
	}
	if err := os.WriteFile(archivePath, archiveData, 0o644); err != nil {
		return &domain.PersistenceError{Op: "write_archive", Err: err}
	}

	if err := copyFile(summaryPath, filepath.Join(backupDir, filepath.Base(summaryPath))); err != nil {
		a.log.Warn().Err(err).Msg("failed to back up daily summary")
	}
	if err := copyFile(archivePath, filepath.Join(backupDir, filepath.Base(archivePath))); err != nil {
		a.log.Warn().Err(err).Msg("failed to back up trade archive")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.mirror.Upload(ctx, filepath.Base(archivePath), archiveData); err != nil {
		a.log.Warn().Err(err).Msg("archive mirror upload failed, local copies remain authoritative")
	}
	return nil
}

// WriteFNOCarryPositions records the F&O positions still open at close for
// day to saved_trades/fno_positions_{day}.json. The housekeeping rollover
// job wired in cmd/server only reads a carry file back; nothing reconciles
// the carried positions against the broker.
func (a *Archivist) WriteFNOCarryPositions(day string, positions []domain.Position) error {
	dir := filepath.Join(a.dataDir, "saved_trades")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &domain.PersistenceError{Op: "mkdir_saved_trades", Err: err}
	}
	path := filepath.Join(dir, fmt.Sprintf("fno_positions_%s.json", day))
	return writeJSONAtomically(path, positions)
}

// ReadFNOCarryPositions loads the carry file written by
// WriteFNOCarryPositions for day, or nil if none was written (no F&O
// positions were open at that day's close).
func (a *Archivist) ReadFNOCarryPositions(day string) ([]domain.Position, error) {
	path := filepath.Join(a.dataDir, "saved_trades", fmt.Sprintf("fno_positions_%s.json", day))
	positions, err := readJSON[[]domain.Position](path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &domain.PersistenceError{Op: "read_fno_carry", Err: err}
	}
	return positions, nil
}

func summarize(day string, trades []domain.Trade, openingCash, closingCash float64) domain.DailySummary {
	s := domain.DailySummary{TradingDay: day, OpeningCash: openingCash, ClosingCash: closingCash}
	for _, t := range trades {
		s.TotalTrades++
		if t.Side == domain.SideBuy {
			s.BuyTrades++
		} else {
			s.SellTrades++
		}
		if t.PnL == nil {
			continue
		}
		pnl := *t.PnL
		s.TotalPnL += pnl
		if pnl > 0 {
			s.Winners++
		} else if pnl < 0 {
			s.Losers++
		}
		if pnl > s.Best {
			s.Best = pnl
		}
		if pnl < s.Worst {
			s.Worst = pnl
		}
	}
	return s
}

func integrityOf(trades []domain.Trade) dataIntegrity {
	h := sha256.New()
	for _, t := range trades {
		line, _ := json.Marshal(t)
		h.Write(line)
	}
	di := dataIntegrity{Count: len(trades), Checksum: hex.EncodeToString(h.Sum(nil))}
	if len(trades) > 0 {
		first := trades[0].Timestamp
		last := trades[len(trades)-1].Timestamp
		di.FirstTS = &first
		di.LastTS = &last
	}
	return di
}

func decodeJSONL(data []byte) ([]domain.Trade, error) {
	var trades []domain.Trade
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var t domain.Trade
		if err := dec.Decode(&t); err != nil {
			return trades, &domain.PersistenceError{Op: "decode_trade_line", Err: err}
		}
		trades = append(trades, t)
	}
	return trades, nil
}

func writeJSONAtomically(path string, v any) error {
	tmp := path + ".tmp"
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &domain.PersistenceError{Op: "marshal", Err: err}
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return &domain.PersistenceError{Op: "write_tmp", Err: err}
	}
	return rename(tmp, path)
}

func rename(tmp, path string) error {
	if err := os.Rename(tmp, path); err != nil {
		return &domain.PersistenceError{Op: "rename", Err: err}
	}
	return nil
}
