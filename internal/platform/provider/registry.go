package provider

import (
	"fmt"
	"strings"
)

type Config struct {
	Name string
	// Dev allows an empty Name to resolve to the simulated provider.
	Dev       bool
	Simulated SimulatedConfig
}

// New builds the provider named in cfg. It is called once at startup and the
// result injected wherever it is needed.
func New(cfg Config) (BillingProvider, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Name))
	if name == "" {
		if !cfg.Dev {
			return nil, fmt.Errorf("%w: no provider configured", ErrUnknownProvider)
		}
		name = SimulatedName
	}

	switch name {
	case SimulatedName:
		return NewSimulated(cfg.Simulated), nil
	case StripeName, CardcomName:
		return NewStub(name), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Name)
	}
}

// Names lists every name New accepts.
func Names() []string {
	return []string{SimulatedName, StripeName, CardcomName}
}
