package routerules

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// Strategy names how a request is served.
type Strategy string

const (
	// Use the classification of the request.
	StrategyDefault      Strategy = ""
	StrategyNetworkFirst Strategy = "network-first"
	StrategyCacheFirst   Strategy = "cache-first"
	// Do not intercept at all.
	StrategyBypass Strategy = "bypass"
)

type Rules []Rule

// Rule forces a strategy for matching GET requests.
// All non-empty matchers need to match.
type Rule struct {
	Prefix   string            `yaml:"prefix" mapstructure:"prefix"`
	Path     string            `yaml:"path" mapstructure:"path"`
	Query    map[string]string `yaml:"query" mapstructure:"query"`
	Strategy Strategy          `yaml:"strategy" mapstructure:"strategy"`
}

// Validate checks that all rules name a known strategy.
func (r Rules) Validate() error {
	for i, rule := range r {
		switch rule.Strategy {
		case StrategyNetworkFirst, StrategyCacheFirst, StrategyBypass:
		default:
			return fmt.Errorf("rule %d: unknown strategy %q", i, rule.Strategy)
		}
	}
	return nil
}

// Strategy returns the strategy of the first matching rule,
// or StrategyDefault if no rule matches.
func (r Rules) Strategy(req *http.Request) Strategy {
	if rule := r.find(req); rule != nil {
		return rule.Strategy
	}
	return StrategyDefault
}

func (r Rules) find(req *http.Request) *Rule {
	if len(r) == 0 {
		return nil
	}
	log.Trace().Msgf("Finding rule for request %s:%s", req.Method, req.URL.Path)
rulesLoop:
	for i := range r {
		rule := &r[i]
		if rule.Path != "" && rule.Path != req.URL.Path {
			continue
		}
		if rule.Prefix != "" && !strings.HasPrefix(req.URL.Path, rule.Prefix) {
			continue
		}
		if len(rule.Query) > 0 {
			qry := req.URL.Query()
			for name, value := range rule.Query {
				if value == "" && !qry.Has(name) {
					continue rulesLoop
				} else if value != "" && qry.Get(name) != value {
					continue rulesLoop
				}
			}
		}
		return rule
	}
	return nil
}
