package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"pm-arb-bot/internal/config"
	"pm-arb-bot/internal/replay"
	"pm-arb-bot/internal/strategy"
)

const defaultEnvFile = ".env"

func main() {
	file := flag.String("file", "", "recorded JSONL day file")
	name := flag.String("strategy", strategy.NamePairArbitrage, "strategy to run ("+strings.Join(strategy.Names(), ", ")+")")
	params := flag.String("params", "", "comma separated key=value strategy params")
	mode := flag.String("mode", "AUTO", "AUTO fills every buy; HITL only counts proposals")
	pairTarget := flag.Float64("pair-target", 0, "pair cost target for the open-leg reducer")
	maxUnpaired := flag.Float64("max-unpaired-sec", 0, "unpaired leg limit in seconds for the open-leg reducer")
	equityPoints := flag.Int("equity-points", replay.DefaultEquityPoints, "max equity curve points in the report")
	flag.Parse()

	if err := config.LoadEnv(defaultEnvFile); err != nil {
		fatal(err)
	}
	if strings.TrimSpace(*file) == "" {
		fatal(errors.New("-file is required"))
	}
	parsed, err := parseParams(*params)
	if err != nil {
		fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var report any
	if *name == strategy.NameOpenLegDislocation {
		p := replay.DefaultPairParams()
		if v, ok, err := floatEnv("OPEN_LEG_TARGET_PAIR_COST"); err != nil {
			fatal(err)
		} else if ok {
			p.PairTarget = v
		}
		if v, ok, err := floatEnv("OPEN_LEG_MAX_UNPAIRED_SEC"); err != nil {
			fatal(err)
		} else if ok {
			p.MaxUnpairedSec = v
		}
		if *pairTarget > 0 {
			p.PairTarget = *pairTarget
		}
		if *maxUnpaired > 0 {
			p.MaxUnpairedSec = *maxUnpaired
		}
		report, err = replay.ReducePairMetricsFile(*file, p)
	} else {
		s, buildErr := strategy.Build(*name, parsed)
		if buildErr != nil {
			fatal(buildErr)
		}
		p := replay.DefaultBacktestParams()
		p.EquityPoints = *equityPoints
		if strings.EqualFold(*mode, string(strategy.ModeHITL)) {
			p.Mode = strategy.ModeHITL
		}
		report, err = replay.BacktestFile(ctx, *file, s, p)
	}
	if err != nil {
		fatal(err)
	}
	pretty, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(pretty))
}

func parseParams(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	out := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 || strings.TrimSpace(kv[0]) == "" {
			return nil, fmt.Errorf("invalid param %q", part)
		}
		out[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return out, nil
}

func floatEnv(key string) (float64, bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return v, true, nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
