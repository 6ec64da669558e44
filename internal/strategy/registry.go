package strategy

import (
	"fmt"
	"sort"
)

var constructors = map[string]func() Strategy{
	NamePairArbitrage:      func() Strategy { return NewPairArbitrage(DefaultPairArbitrageParams()) },
	NameOpenLegDislocation: func() Strategy { return NewOpenLegDislocation(DefaultOpenLegParams()) },
	NameAutocycle:          func() Strategy { return NewAutocycle(DefaultAutocycleParams()) },
	NameStatArb:            func() Strategy { return NewStatArb(DefaultStatArbParams()) },
	NameSpreadFarming:      func() Strategy { return NewSpreadFarming(DefaultSpreadFarmingParams()) },
}

// Names lists the registered strategies in stable order.
func Names() []string {
	out := make([]string, 0, len(constructors))
	for name := range constructors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Build constructs a strategy with its defaults and applies params on top.
func Build(name string, params map[string]string) (Strategy, error) {
	ctor, ok := constructors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	s := ctor()
	if len(params) == 0 {
		return s, nil
	}
	setter, ok := s.(ParamSetter)
	if !ok {
		return nil, fmt.Errorf("%w: %s takes no params", ErrInvalidParam, name)
	}
	if err := setter.SetParams(params); err != nil {
		return nil, fmt.Errorf("build %s: %w", name, err)
	}
	return s, nil
}
