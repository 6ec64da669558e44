package replay

import (
	"context"

	"pm-arb-bot/internal/strategy"
)

func ReducePairMetricsFile(path string, p PairParams) (PairReport, error) {
	r, f, err := Open(path)
	if err != nil {
		return PairReport{}, err
	}
	defer f.Close()
	return ReducePairMetrics(r, p)
}

func BacktestFile(ctx context.Context, path string, s strategy.Strategy, p BacktestParams) (BacktestReport, error) {
	r, f, err := Open(path)
	if err != nil {
		return BacktestReport{}, err
	}
	defer f.Close()
	return Backtest(ctx, r, s, p)
}
