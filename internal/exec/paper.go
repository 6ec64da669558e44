package exec

import "context"

// Paper fills every valid request immediately at its limit price.
type Paper struct {
	ledger *Ledger
}

func NewPaper() *Paper {
	return &Paper{ledger: NewLedger()}
}

func (p *Paper) Name() string { return VenuePaper }

func (p *Paper) Ledger() *Ledger { return p.ledger }

func (p *Paper) Buy(ctx context.Context, req BuyRequest) (Fill, error) {
	if err := ctx.Err(); err != nil {
		return failedFill(req, VenuePaper, err), err
	}
	if err := req.Validate(); err != nil {
		fill := failedFill(req, VenuePaper, err)
		p.ledger.Apply(fill)
		return fill, err
	}
	fill := Fill{
		TsMs:     req.TsMs,
		RoundID:  req.RoundID,
		Strategy: req.Strategy,
		Leg:      req.Leg,
		Side:     req.Side,
		Shares:   req.Shares,
		Price:    req.LimitPrice,
		Venue:    VenuePaper,
		OrderID:  ClientOrderID(req),
		Reason:   req.Reason,
	}
	p.ledger.Apply(fill)
	return fill, nil
}
