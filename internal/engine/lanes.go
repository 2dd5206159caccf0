package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fxdesk/internal/domain"
)

// lane applies ticks of one symbol in arrival order on a single goroutine.
type lane struct {
	symbol  string
	inbox   chan domain.Tick
	lastSeq uint64
}

// Run blocks until ctx is done, then stops every lane.
func (e *Engine) Run(ctx context.Context) {
	slog.Info("Engine started")

	<-ctx.Done()
	slog.Info("Engine stopping...")
	e.Stop()
}

// Stop halts all lanes and waits for the tick in flight to finish.
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()
}

// Submit enqueues tick on its symbol's lane without blocking. A full lane
// drops the tick; the next tick of the symbol reprices from scratch.
func (e *Engine) Submit(tick domain.Tick) bool {
	l := e.lane(tick.Symbol)
	if l == nil {
		return false
	}

	select {
	case l.inbox <- tick:
		return true
	default:
		e.metrics.RecordTickDropped()
		slog.Warn("Engine lane full, dropping tick", slog.String("symbol", tick.Symbol), slog.Uint64("seq", tick.Seq))
		return false
	}
}

func (e *Engine) lane(symbol string) *lane {
	e.lanesMu.Lock()
	defer e.lanesMu.Unlock()

	if e.ctx.Err() != nil {
		return nil
	}
	l, ok := e.lanes[symbol]
	if !ok {
		l = &lane{symbol: symbol, inbox: make(chan domain.Tick, e.cfg.LaneBuffer)}
		e.lanes[symbol] = l
		e.wg.Add(1)
		go e.runLane(l)
	}
	return l
}

func (e *Engine) runLane(l *lane) {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			return
		case tick := <-l.inbox:
			e.processTick(l, tick)
		}
	}
}

// processTick applies one tick. A panic dumps the books and keeps the lane alive.
func (e *Engine) processTick(l *lane, tick domain.Tick) {
	defer func() {
		if r := recover(); r != nil {
			e.metrics.RecordError()
			slog.Error("CRITICAL_PANIC_DETECTED", slog.String("symbol", l.symbol), slog.Any("panic", r))
			e.DumpState(filepath.Join(e.cfg.DumpDir, fmt.Sprintf("panic_dump_%s.json", fileSafe(l.symbol))))
		}
	}()

	if tick.Seq != 0 && tick.Seq <= l.lastSeq {
		slog.Warn("Out-of-order tick skipped",
			slog.String("symbol", l.symbol),
			slog.Uint64("seq", tick.Seq),
			slog.Uint64("last", l.lastSeq),
		)
		return
	}
	l.lastSeq = tick.Seq

	start := time.Now()
	e.OnPriceTick(e.ctx, tick)
	e.metrics.RecordTickLatency(time.Since(start))
}

// DumpState writes every account book to a file (for post-mortem).
func (e *Engine) DumpState(filename string) {
	slog.Info("Dumping internal state...", slog.String("file", filename))

	e.mu.RLock()
	books := make([]*accountBook, 0, len(e.accounts))
	for _, b := range e.accounts {
		books = append(books, b)
	}
	e.mu.RUnlock()

	type dumpedAccount struct {
		Account   domain.Account    `json:"account"`
		Positions []domain.Position `json:"positions"`
	}
	data := make([]dumpedAccount, 0, len(books))
	for _, b := range books {
		b.mu.Lock()
		d := dumpedAccount{Account: b.account}
		for _, p := range b.sorted() {
			d.Positions = append(d.Positions, *p)
		}
		b.mu.Unlock()
		data = append(data, d)
	}

	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		slog.Error("Failed to marshal state", slog.Any("error", err))
		return
	}

	if err := os.WriteFile(filename, out, 0644); err != nil {
		slog.Error("Failed to write state dump", slog.Any("error", err))
	}
}

func fileSafe(symbol string) string {
	return strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(symbol)
}
