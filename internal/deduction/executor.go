// Package deduction applies resolved recipe requirements to the stock ledger.
package deduction

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-pos-reconciler/internal/recipe"
	"github.com/ariefcatur/go-pos-reconciler/internal/retry"
	"github.com/ariefcatur/go-pos-reconciler/internal/sales"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Ledger is the mutating side of the stock ledger.
type Ledger interface {
	GetQuantity(ctx context.Context, stockItemID string) (sales.Quantity, error)
	// ConditionalDecrement is idempotent per opID, so a retry after an
	// ambiguous transport error never takes the stock twice.
	ConditionalDecrement(ctx context.Context, opID, stockItemID string, amount decimal.Decimal) (sales.DecrementResult, error)
	AppendMovement(ctx context.Context, m sales.Movement) error
}

// Line is one sold product with its resolved ingredients.
type Line struct {
	ProductID   string
	Quantity    int
	Ingredients []recipe.ResolvedIngredient
}

type Outcome struct {
	ItemsProcessed    int
	ItemsTotal        int
	InsufficientItems []sales.Shortfall
	TransportErrors   []string
	Applied           []sales.Deduction // in apply order, for compensation
	Warnings          []string
}

type Executor struct {
	Ledger Ledger
	Retry  retry.Policy
	Log    logrus.FieldLogger
	Reason sales.MovementReason
}

func NewExecutor(l Ledger, p retry.Policy, log logrus.FieldLogger) *Executor {
	return &Executor{Ledger: l, Retry: p, Log: log, Reason: sales.ReasonSaleDeduction}
}

// WithReason returns a copy that stamps movements with reason.
func (e *Executor) WithReason(reason sales.MovementReason) *Executor {
	cp := *e
	cp.Reason = reason
	return &cp
}

type step struct {
	productID string
	name      string
	item      sales.StockItem
	amount    decimal.Decimal
}

type need struct {
	item   sales.StockItem
	amount decimal.Decimal
}

// Deduct applies one line: ingredients times saleQty.
func (e *Executor) Deduct(ctx context.Context, saleID, storeID string, ingredients []recipe.ResolvedIngredient, saleQty int) (Outcome, error) {
	productID := ""
	if len(ingredients) > 0 {
		productID = ingredients[0].ProductID
	}
	return e.DeductSale(ctx, saleID, storeID, []Line{{ProductID: productID, Quantity: saleQty, Ingredients: ingredients}})
}

// DeductSale validates every line, checks availability of every stock item
// against the summed requirement, and only then decrements, in listed order,
// one movement per ingredient. On error, Outcome.Applied holds what was
// already taken from the ledger.
func (e *Executor) DeductSale(ctx context.Context, saleID, storeID string, lines []Line) (Outcome, error) {
	var out Outcome

	steps, err := e.plan(lines, &out)
	if err != nil {
		return out, err
	}
	out.ItemsTotal = len(steps)

	if err := e.checkAvailability(ctx, steps, &out); err != nil {
		return out, err
	}

	for _, s := range steps {
		d, err := e.apply(ctx, saleID, storeID, s)
		if d != nil {
			out.Applied = append(out.Applied, *d)
			out.ItemsProcessed++
		}
		if err != nil {
			if sales.IsTransport(err) {
				out.TransportErrors = append(out.TransportErrors, err.Error())
			}
			var ie *sales.InsufficientStockError
			if errors.As(err, &ie) {
				out.InsufficientItems = append(out.InsufficientItems, ie.Items...)
			}
			return out, err
		}
	}
	return out, nil
}

func (e *Executor) plan(lines []Line, out *Outcome) ([]step, error) {
	var steps []step
	for i, l := range lines {
		if l.Quantity <= 0 {
			return nil, &sales.ValidationError{
				Field:  fmt.Sprintf("lines[%d].quantity", i),
				Reason: "must be a positive integer",
			}
		}
		mult := decimal.NewFromInt(int64(l.Quantity))
		for _, ing := range l.Ingredients {
			if !ing.Resolved() {
				out.Warnings = append(out.Warnings, fmt.Sprintf("product %s: ingredient %q has no stock item", l.ProductID, ing.Name))
				continue
			}
			if !ing.Quantity.IsPositive() {
				return nil, &sales.ValidationError{
					Field:  ing.Name,
					Reason: "required quantity must be positive, got " + ing.Quantity.String(),
				}
			}
			// the per-serving quantity decides, not the line total
			if !ing.Quantity.Equal(ing.Quantity.Truncate(0)) && !AllowsFractional(ing.Name) && !AllowsFractional(ing.StockItem.Name) {
				return nil, &sales.ValidationError{
					Field:  ing.Name,
					Reason: "fractional quantity " + ing.Quantity.String() + " not allowed for this ingredient",
				}
			}
			required := ing.Quantity.Mul(mult)
			steps = append(steps, step{
				productID: l.ProductID,
				name:      ing.Name,
				item:      *ing.StockItem,
				amount:    required,
			})
		}
	}
	return steps, nil
}

// checkAvailability reads every touched item once and reports all shortfalls
// together. Nothing is mutated here.
func (e *Executor) checkAvailability(ctx context.Context, steps []step, out *Outcome) error {
	var order []string
	needs := map[string]*need{}
	for _, s := range steps {
		n, ok := needs[s.item.ID]
		if !ok {
			n = &need{item: s.item}
			needs[s.item.ID] = n
			order = append(order, s.item.ID)
		}
		n.amount = n.amount.Add(s.amount)
	}

	var short []sales.Shortfall
	for _, id := range order {
		n := needs[id]
		q, err := retry.Value(ctx, e.Retry, "get quantity", func(ctx context.Context) (sales.Quantity, error) {
			return e.Ledger.GetQuantity(ctx, id)
		})
		if err != nil {
			if sales.IsTransport(err) {
				out.TransportErrors = append(out.TransportErrors, err.Error())
			}
			return err
		}
		if avail := q.Total(); avail.LessThan(n.amount) {
			short = append(short, sales.Shortfall{
				StockItemID: id,
				Name:        n.item.Name,
				Required:    n.amount,
				Available:   avail,
			})
		}
	}
	if len(short) > 0 {
		out.InsufficientItems = short
		return &sales.InsufficientStockError{Items: short}
	}
	return nil
}

// apply decrements one step and writes its movement. A nil Deduction means
// the ledger was not touched.
func (e *Executor) apply(ctx context.Context, saleID, storeID string, s step) (*sales.Deduction, error) {
	movementID := uuid.NewString()
	res, err := retry.Value(ctx, e.Retry, "conditional decrement", func(ctx context.Context) (sales.DecrementResult, error) {
		return e.Ledger.ConditionalDecrement(ctx, movementID, s.item.ID, s.amount)
	})
	if err != nil {
		return nil, err
	}
	if !res.Success {
		// lost a race with another sale after the availability check
		avail := decimal.Zero
		if q, qerr := e.Ledger.GetQuantity(ctx, s.item.ID); qerr == nil {
			avail = q.Total()
		}
		return nil, &sales.InsufficientStockError{Items: []sales.Shortfall{{
			StockItemID: s.item.ID,
			Name:        s.item.Name,
			Required:    s.amount,
			Available:   avail,
		}}}
	}

	d := &sales.Deduction{
		SaleID:        saleID,
		StoreID:       storeID,
		ProductID:     s.productID,
		StockItemID:   s.item.ID,
		StockItemName: s.item.Name,
		Amount:        s.amount,
		Pre:           res.Previous.Total(),
		Post:          res.New.Total(),
	}
	m := sales.Movement{
		ID:             movementID,
		SaleID:         saleID,
		StoreID:        storeID,
		StockItemID:    s.item.ID,
		QuantityChange: s.amount.Neg(),
		Previous:       d.Pre,
		New:            d.Post,
		Reason:         e.Reason,
	}
	if err := e.Retry.Do(ctx, "append movement", func(ctx context.Context) error {
		return e.Ledger.AppendMovement(ctx, m)
	}); err != nil {
		return d, err
	}
	d.MovementID = m.ID

	if e.Log != nil {
		e.Log.WithFields(logrus.Fields{
			"sale_id":       saleID,
			"stock_item_id": s.item.ID,
			"ingredient":    s.name,
			"amount":        s.amount.String(),
			"post":          d.Post.String(),
		}).Debug("deducted")
	}
	return d, nil
}
