package broker

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"tradesync/internal/domain"
	"tradesync/internal/util"
)

// Compile-time interface check.
var _ Broker = (*AlpacaBroker)(nil)

// ErrUnsupportedCombo is returned when a multi-leg combo order is submitted
// to Alpaca, which only accepts single-instrument equity orders.
var ErrUnsupportedCombo = fmt.Errorf("alpaca: multi-leg combo orders are not supported")

// replaceSuffix marks client order ids reissued for a replacement. Alpaca
// requires client order ids to be unique across the account's history, so a
// replacement reuses the deterministic ref with a ".r<n>" suffix which is
// stripped again when orders are read back.
var replaceSuffix = regexp.MustCompile(`\.r\d+$`)

// AlpacaBroker implements the Broker interface against the Alpaca trading
// API. The reconciliation engine's deterministic order refs are carried in
// the Alpaca client order id so that re-runs find their own orders.
type AlpacaBroker struct {
	client *alpaca.Client
	log    *slog.Logger

	mu       sync.Mutex
	replaces int
	assets   map[string]*alpaca.Asset // symbol -> cached asset metadata
}

// NewAlpacaBroker creates an AlpacaBroker configured with the given
// credentials and API endpoint.
func NewAlpacaBroker(apiKey, apiSecret, baseURL string) *AlpacaBroker {
	opts := alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if baseURL != "" {
		opts.BaseURL = baseURL
	}
	return &AlpacaBroker{
		client: alpaca.NewClient(opts),
		log:    slog.Default().With("broker", "alpaca"),
		assets: make(map[string]*alpaca.Asset),
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// Balances returns a single-currency account summary. Alpaca accounts are
// USD-denominated, so the rate is always 1.
func (b *AlpacaBroker) Balances(ctx context.Context, _ time.Time) ([]domain.Balance, error) {
	var acct *alpaca.Account
	err := util.Retry(ctx, 3, 250*time.Millisecond, func() error {
		var err error
		acct, err = b.client.GetAccount()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("alpaca balances: %w", err)
	}
	return []domain.Balance{{
		Currency: acct.Currency,
		Net:      acct.Equity,
		Rate:     decimal.NewFromInt(1),
		Settled:  acct.Cash,
		Asof:     time.Now(),
	}}, nil
}

// Positions returns all open positions as signed rows.
func (b *AlpacaBroker) Positions(ctx context.Context, _ time.Time) ([]domain.PositionRow, error) {
	var positions []alpaca.Position
	err := util.Retry(ctx, 3, 250*time.Millisecond, func() error {
		var err error
		positions, err = b.client.GetPositions()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("alpaca positions: %w", err)
	}
	rows := make([]domain.PositionRow, 0, len(positions))
	for _, p := range positions {
		qty := p.Qty
		if strings.EqualFold(string(p.Side), "short") && qty.IsPositive() {
			qty = qty.Neg()
		}
		rows = append(rows, domain.PositionRow{
			Symbol:       p.Symbol,
			Market:       p.Exchange,
			Currency:     "USD",
			SecurityType: "STK",
			Multiplier:   decimal.NewFromInt(1),
			Position:     qty,
		})
	}
	return rows, nil
}

// Orders returns all open orders, with bracket legs flattened into the list
// after their parent.
func (b *AlpacaBroker) Orders(ctx context.Context, _ time.Time) ([]*domain.Order, error) {
	var orders []alpaca.Order
	err := util.Retry(ctx, 3, 250*time.Millisecond, func() error {
		var err error
		orders, err = b.client.GetOrders(alpaca.GetOrdersRequest{
			Status: "open",
			Nested: true,
			Limit:  500,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("alpaca orders: %w", err)
	}
	var out []*domain.Order
	for i := range orders {
		parent := b.fromAlpacaOrder(&orders[i], "")
		out = append(out, parent)
		for j := range orders[i].Legs {
			out = append(out, b.fromAlpacaOrder(&orders[i].Legs[j], parent.OrderRef))
		}
	}
	return out, nil
}

// Submit transmits an order mutation. Cancel mutations resolve the working
// order by ref and cancel it. An attached stop-loss (and optionally a limit
// take-profit) is submitted with the parent as an Alpaca bracket/OTO order;
// other attached children are submitted standalone after the parent since
// Alpaca has no generic parent/child attachment.
func (b *AlpacaBroker) Submit(ctx context.Context, order *domain.Order) ([]*domain.Order, error) {
	if order.Action == domain.ActionCancel {
		cancelled, err := b.Cancel(ctx, order.OrderRef)
		if err != nil {
			return nil, err
		}
		return []*domain.Order{cancelled}, nil
	}
	if order.IsCombo() {
		return nil, ErrUnsupportedCombo
	}
	if order.Action == domain.ActionOCA {
		var out []*domain.Order
		for _, member := range order.Attached {
			posted, err := b.Submit(ctx, member)
			if err != nil {
				return out, err
			}
			out = append(out, posted...)
		}
		return out, nil
	}

	req, extra, err := b.toPlaceRequest(order)
	if err != nil {
		return nil, err
	}

	// A working order under the same ref means this is a replacement:
	// cancel it and reissue under a suffixed client order id.
	if existing, err := b.client.GetOrderByClientOrderID(order.OrderRef); err == nil && existing != nil && openAlpacaStatus(existing.Status) {
		if err := b.client.CancelOrder(existing.ID); err != nil {
			return nil, fmt.Errorf("alpaca replace %s: %w", order.OrderRef, err)
		}
		b.mu.Lock()
		b.replaces++
		req.ClientOrderID = fmt.Sprintf("%s.r%d", order.OrderRef, b.replaces)
		b.mu.Unlock()
	}

	posted, err := b.client.PlaceOrder(*req)
	if err != nil {
		return nil, fmt.Errorf("alpaca submit %s: %w", order.OrderRef, err)
	}
	out := []*domain.Order{b.fromAlpacaOrder(posted, order.AttachRef)}
	for i := range posted.Legs {
		out = append(out, b.fromAlpacaOrder(&posted.Legs[i], out[0].OrderRef))
	}
	for _, child := range extra {
		child.AttachRef = out[0].OrderRef
		childPosted, err := b.Submit(ctx, child)
		if err != nil {
			return out, err
		}
		out = append(out, childPosted...)
	}
	return out, nil
}

// Cancel resolves a working order by its ref and requests cancellation.
func (b *AlpacaBroker) Cancel(_ context.Context, orderRef string) (*domain.Order, error) {
	existing, err := b.client.GetOrderByClientOrderID(orderRef)
	if err != nil {
		return nil, fmt.Errorf("alpaca cancel %s: %w", orderRef, err)
	}
	if err := b.client.CancelOrder(existing.ID); err != nil {
		return nil, fmt.Errorf("alpaca cancel %s: %w", orderRef, err)
	}
	cancelled := b.fromAlpacaOrder(existing, "")
	cancelled.Status = domain.StatusCancelled
	return cancelled, nil
}

// Lookup resolves asset metadata for the symbol. The market argument is
// advisory; Alpaca resolves symbols globally.
func (b *AlpacaBroker) Lookup(_ context.Context, symbol, market string) (*domain.Contract, error) {
	asset, err := b.asset(symbol)
	if err != nil {
		return nil, fmt.Errorf("alpaca lookup %s.%s: %w", symbol, market, err)
	}
	return &domain.Contract{
		Symbol:       symbol,
		Market:       asset.Exchange,
		Currency:     "USD",
		SecurityType: "STK",
		Multiplier:   decimal.NewFromInt(1),
	}, nil
}

func (b *AlpacaBroker) asset(symbol string) (*alpaca.Asset, error) {
	b.mu.Lock()
	if a, ok := b.assets[symbol]; ok {
		b.mu.Unlock()
		return a, nil
	}
	b.mu.Unlock()
	asset, err := b.client.GetAsset(symbol)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.assets[symbol] = asset
	b.mu.Unlock()
	return asset, nil
}

// ---------------------------------------------------------------------------
// Order mapping
// ---------------------------------------------------------------------------

func (b *AlpacaBroker) toPlaceRequest(order *domain.Order) (*alpaca.PlaceOrderRequest, []*domain.Order, error) {
	var side alpaca.Side
	switch order.Action {
	case domain.ActionBuy:
		side = alpaca.Buy
	case domain.ActionSell:
		side = alpaca.Sell
	default:
		return nil, nil, fmt.Errorf("alpaca: unsupported action %q", order.Action)
	}

	var otype alpaca.OrderType
	switch order.OrderType {
	case domain.OrderTypeMarket, "":
		otype = alpaca.Market
	case domain.OrderTypeLimit:
		otype = alpaca.Limit
	case domain.OrderTypeStop:
		if !order.Limit.IsZero() {
			otype = alpaca.StopLimit
		} else {
			otype = alpaca.Stop
		}
	default:
		return nil, nil, fmt.Errorf("alpaca: unsupported order type %q", order.OrderType)
	}

	tif := alpaca.Day
	switch order.TIF {
	case domain.TIFGTC:
		tif = alpaca.GTC
	case domain.TIFIOC:
		tif = alpaca.IOC
	}

	qty := order.Quant
	req := &alpaca.PlaceOrderRequest{
		Symbol:        order.Symbol,
		Qty:           &qty,
		Side:          side,
		Type:          otype,
		TimeInForce:   tif,
		ClientOrderID: order.OrderRef,
	}
	if !order.Limit.IsZero() {
		limit := order.Limit
		req.LimitPrice = &limit
	}
	if !order.Stop.IsZero() {
		stop := order.Stop
		req.StopPrice = &stop
	}

	// Attached stop-loss (plus optional limit take-profit) becomes an Alpaca
	// OTO/bracket; remaining children are returned for standalone submission.
	var extra []*domain.Order
	var stopLeg, profitLeg *domain.Order
	for _, child := range order.Attached {
		switch {
		case child.IsStop() && stopLeg == nil:
			stopLeg = child
		case child.OrderType == domain.OrderTypeLimit && profitLeg == nil:
			profitLeg = child
		default:
			extra = append(extra, child.Clone())
		}
	}
	if stopLeg != nil {
		stop := stopLeg.Stop
		req.StopLoss = &alpaca.StopLoss{StopPrice: &stop}
		if profitLeg != nil {
			limit := profitLeg.Limit
			req.TakeProfit = &alpaca.TakeProfit{LimitPrice: &limit}
			req.OrderClass = alpaca.Bracket
		} else {
			req.OrderClass = alpaca.OTO
		}
	} else if profitLeg != nil {
		limit := profitLeg.Limit
		req.TakeProfit = &alpaca.TakeProfit{LimitPrice: &limit}
		req.OrderClass = alpaca.OTO
	}
	return req, extra, nil
}

func (b *AlpacaBroker) fromAlpacaOrder(o *alpaca.Order, attachRef string) *domain.Order {
	ref := o.ClientOrderID
	if ref == "" {
		ref = o.ID
	}
	ref = replaceSuffix.ReplaceAllString(ref, "")

	var action domain.Action
	if o.Side == alpaca.Buy {
		action = domain.ActionBuy
	} else {
		action = domain.ActionSell
	}

	ord := &domain.Order{
		Action:       action,
		OrderType:    fromAlpacaType(o.Type),
		TIF:          fromAlpacaTIF(o.TimeInForce),
		OrderRef:     ref,
		AttachRef:    attachRef,
		Status:       fromAlpacaStatus(o.Status),
		Symbol:       o.Symbol,
		Currency:     "USD",
		SecurityType: "STK",
		Multiplier:   decimal.NewFromInt(1),
	}
	if o.Qty != nil {
		ord.Quant = o.Qty.Sub(o.FilledQty)
	}
	if o.LimitPrice != nil {
		ord.Limit = *o.LimitPrice
	}
	if o.StopPrice != nil {
		ord.Stop = *o.StopPrice
	}
	if o.FilledAvgPrice != nil {
		ord.TradedPrice = *o.FilledAvgPrice
	}
	if o.FilledAt != nil {
		ord.TradedAt = *o.FilledAt
	} else {
		ord.TradedAt = o.SubmittedAt
	}
	if asset, err := b.asset(o.Symbol); err == nil {
		ord.Market = asset.Exchange
	} else {
		b.log.Warn("could not resolve market for symbol", "symbol", o.Symbol, "error", err)
	}
	return ord
}

func fromAlpacaType(t alpaca.OrderType) domain.OrderType {
	switch t {
	case alpaca.Market:
		return domain.OrderTypeMarket
	case alpaca.Limit:
		return domain.OrderTypeLimit
	case alpaca.Stop, alpaca.StopLimit:
		return domain.OrderTypeStop
	default:
		return domain.OrderType(strings.ToUpper(string(t)))
	}
}

func fromAlpacaTIF(t alpaca.TimeInForce) domain.TIF {
	switch t {
	case alpaca.GTC:
		return domain.TIFGTC
	case alpaca.IOC:
		return domain.TIFIOC
	default:
		return domain.TIFDay
	}
}

func fromAlpacaStatus(status string) domain.OrderStatus {
	switch status {
	case "new", "accepted", "partially_filled", "accepted_for_bidding":
		return domain.StatusWorking
	case "pending_new", "held", "pending_replace":
		return domain.StatusPending
	case "filled":
		return domain.StatusFilled
	default:
		return domain.StatusCancelled
	}
}

func openAlpacaStatus(status string) bool {
	s := fromAlpacaStatus(status)
	return s.Open()
}
