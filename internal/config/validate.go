package config

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Validate checks the configuration for the given run mode. Modes: "ingest"
// (batch pipeline), "serve" (HTTP shell), "search" (portal queries only).
func (c *Config) Validate(mode string) error {
	var problems []string

	check := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	switch mode {
	case "ingest":
		check(c.Store.DatabaseURL != "" || c.Store.Driver == "sqlite", "store.database_url is required")
		check(c.Portal.SearchURL != "", "portal.search_url is required")
		check(c.Portal.InstanceURL != "", "portal.instance_url is required")
		check(c.Orchestrator.Workers >= 1 && c.Orchestrator.Workers <= 100, "orchestrator.workers must be between 1 and 100")
		check(c.Orchestrator.MaxBatch >= 1, "orchestrator.max_batch must be >= 1")
		check(c.Portal.MinIntervalMS >= 0, "portal.min_interval_ms must be >= 0")
		if c.LLM.Enabled {
			check(c.LLM.Key != "", "llm.key is required when llm.enabled")
		}
	case "serve":
		check(c.Server.Port > 0, "server.port must be > 0")
		check(c.Store.DatabaseURL != "" || c.Store.Driver == "sqlite", "store.database_url is required")
	case "search":
		check(c.Portal.SearchURL != "", "portal.search_url is required")
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}
