package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"fxdesk/internal/domain"
	"fxdesk/internal/engine"
	"fxdesk/internal/infra"
	"fxdesk/internal/service"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// AccountHeader carries the authenticated account id, set by the auth proxy
// in front of the gateway.
const AccountHeader = "X-Account-ID"

// OrderEngine is the part of the engine the order API drives.
type OrderEngine interface {
	PlaceOrder(ctx context.Context, accountID string, req domain.OrderRequest) (*engine.Fill, error)
	CancelOrder(ctx context.Context, orderID string) (*domain.Order, error)
	ClosePosition(ctx context.Context, positionID string) (*domain.Trade, error)
	Account(ctx context.Context, accountID string) (domain.Account, []domain.Position, error)
	OrderOwner(ctx context.Context, orderID string) (string, error)
	PositionOwner(positionID string) (string, bool)
}

// CandleReader serves historical bars.
type CandleReader interface {
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error)
}

// Gateway exposes client sessions over websocket and the order/candle API over JSON.
type Gateway struct {
	registry      *service.Registry
	engine        OrderEngine
	candles       CandleReader
	metrics       *infra.Metrics
	sessionBuffer int
	upgrader      websocket.Upgrader
	newID         func() string
}

func NewGateway(registry *service.Registry, eng OrderEngine, candles CandleReader, metrics *infra.Metrics, sessionBuffer int) *Gateway {
	if metrics == nil {
		metrics = infra.GlobalMetrics
	}
	if sessionBuffer <= 0 {
		sessionBuffer = 64
	}
	return &Gateway{
		registry:      registry,
		engine:        eng,
		candles:       candles,
		metrics:       metrics,
		sessionBuffer: sessionBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin is enforced by the proxy that sets AccountHeader.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		newID: uuid.NewString,
	}
}

// Handler returns the routed gateway.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", g.handleWS)
	mux.HandleFunc("POST /api/accounts/{id}/orders", g.handlePlaceOrder)
	mux.HandleFunc("GET /api/accounts/{id}", g.handleAccount)
	mux.HandleFunc("DELETE /api/positions/{id}", g.handleClosePosition)
	mux.HandleFunc("DELETE /api/orders/{id}", g.handleCancelOrder)
	mux.HandleFunc("GET /api/candles", g.handleCandles)
	mux.HandleFunc("GET /api/metrics", g.handleMetrics)
	return mux
}

// ======================================================================================
// Streaming
// ======================================================================================

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", slog.Any("error", err))
		return
	}

	s := newSession(g.newID(), r.Header.Get(AccountHeader), conn, g.sessionBuffer)
	g.registry.Attach(s)
	g.metrics.IncrementSessions()
	slog.Info("Session opened", slog.String("session", s.id), slog.String("account", s.accountID))

	go s.writePump()

	s.readPump(func(msg clientMessage) { g.handleClientMessage(s, msg) })

	g.registry.OnSessionClosed(s)
	s.close()
	g.metrics.DecrementSessions()
	slog.Info("Session closed", slog.String("session", s.id))
}

func (g *Gateway) handleClientMessage(s *wsSession, msg clientMessage) {
	switch msg.Type {
	case "subscribe":
		if len(msg.Symbols) == 0 {
			s.sendJSON(errorMessage{Type: "error", Message: "symbols required"})
			return
		}
		accepted := g.registry.AddInterest(s, msg.Symbols)
		s.sendJSON(ackMessage{Type: "subscribed", Symbols: accepted})
	case "unsubscribe":
		if len(msg.Symbols) == 0 {
			s.sendJSON(errorMessage{Type: "error", Message: "symbols required"})
			return
		}
		g.registry.RemoveInterest(s, msg.Symbols)
		s.sendJSON(ackMessage{Type: "unsubscribed", Symbols: msg.Symbols})
	default:
		s.sendJSON(errorMessage{Type: "error", Message: "unknown message type " + strconv.Quote(msg.Type)})
	}
}

// ======================================================================================
// Order API
// ======================================================================================

type accountResponse struct {
	Account   domain.Account    `json:"account"`
	Positions []domain.Position `json:"positions"`
}

type closeResponse struct {
	Profit decimal.Decimal `json:"profit"`
	Trade  domain.Trade    `json:"trade"`
}

func (g *Gateway) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("id")
	if !authorized(r, accountID) {
		writeError(w, http.StatusForbidden, "account mismatch")
		return
	}

	var req domain.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid order payload")
		return
	}

	fill, err := g.engine.PlaceOrder(r.Context(), accountID, req)
	if err != nil {
		g.fail(w, "place order", err)
		return
	}
	writeJSON(w, http.StatusCreated, fill)
}

func (g *Gateway) handleAccount(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("id")
	if !authorized(r, accountID) {
		writeError(w, http.StatusForbidden, "account mismatch")
		return
	}

	acc, positions, err := g.engine.Account(r.Context(), accountID)
	if err != nil {
		g.fail(w, "get account", err)
		return
	}
	writeJSON(w, http.StatusOK, accountResponse{Account: acc, Positions: positions})
}

func (g *Gateway) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	positionID := r.PathValue("id")
	if r.Header.Get(AccountHeader) != "" {
		owner, ok := g.engine.PositionOwner(positionID)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Sprintf("%v: %s", domain.ErrPositionNotFound, positionID))
			return
		}
		if !authorized(r, owner) {
			writeError(w, http.StatusForbidden, "account mismatch")
			return
		}
	}

	trade, err := g.engine.ClosePosition(r.Context(), positionID)
	if err != nil {
		g.fail(w, "close position", err)
		return
	}
	writeJSON(w, http.StatusOK, closeResponse{Profit: trade.Profit, Trade: *trade})
}

func (g *Gateway) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("id")
	if r.Header.Get(AccountHeader) != "" {
		owner, err := g.engine.OrderOwner(r.Context(), orderID)
		if err != nil {
			g.fail(w, "cancel order", err)
			return
		}
		if !authorized(r, owner) {
			writeError(w, http.StatusForbidden, "account mismatch")
			return
		}
	}

	order, err := g.engine.CancelOrder(r.Context(), orderID)
	if err != nil {
		g.fail(w, "cancel order", err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (g *Gateway) handleCandles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}

	bars, err := g.candles.GetCandles(r.Context(), q.Get("symbol"), q.Get("interval"), limit)
	if err != nil {
		g.fail(w, "get candles", err)
		return
	}
	writeJSON(w, http.StatusOK, bars)
}

func (g *Gateway) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.metrics.Snapshot())
}

// authorized rejects a request whose proxy-set account differs from the path.
// Requests without the header are trusted.
func authorized(r *http.Request, accountID string) bool {
	h := r.Header.Get(AccountHeader)
	return h == "" || h == accountID
}

func (g *Gateway) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		g.metrics.RecordError()
		slog.Error("Request failed", slog.String("op", op), slog.Any("error", err))
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

// statusFor maps engine and cache errors to HTTP status codes.
func statusFor(err error) int {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve),
		errors.Is(err, domain.ErrInvalidOrder),
		errors.Is(err, domain.ErrUnknownSymbol):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInsufficientMargin),
		errors.Is(err, domain.ErrNoPrice),
		errors.Is(err, domain.ErrMarketClosed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrAccountNotFound),
		errors.Is(err, domain.ErrPositionNotFound),
		errors.Is(err, domain.ErrOrderNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to write response", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
