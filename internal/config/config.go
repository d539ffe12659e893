// Package config reads the filter driver's tunables exclusively through
// the host VCS's own configuration plumbing (git config), never from a
// bespoke file of its own -- the driver is invoked by the host and
// inherits its working directory and config scope automatically.
package config

import (
	"context"
	"fmt"

	"github.com/git-fastcdc/git-fastcdc/internal/chunker"
	"github.com/git-fastcdc/git-fastcdc/internal/gitgateway"
)

// Config is the resolved set of knobs for one driver session.
type Config struct {
	// OnDisk selects the temp-file-backed blob buffer over the
	// in-memory one.
	OnDisk bool
	// Chunker holds the (validated) min/avg/max boundaries.
	Chunker chunker.Params
	// MetricsAddr, if non-empty, starts the opt-in metrics HTTP server
	// on this address.
	MetricsAddr string
}

// Load reads every fastcdc.* key via gw, applying the documented
// defaults for anything unset and validating the chunker boundaries.
func Load(ctx context.Context, gw *gitgateway.Gateway) (Config, error) {
	defaults := chunker.DefaultParams()

	onDisk, err := gw.ConfigGetBool(ctx, "fastcdc.ondisk", false)
	if err != nil {
		return Config{}, err
	}

	min, err := gw.ConfigGetInt(ctx, "fastcdc.min", defaults.Min)
	if err != nil {
		return Config{}, err
	}
	avg, err := gw.ConfigGetInt(ctx, "fastcdc.avg", defaults.Avg)
	if err != nil {
		return Config{}, err
	}
	max, err := gw.ConfigGetInt(ctx, "fastcdc.max", defaults.Max)
	if err != nil {
		return Config{}, err
	}

	metricsAddr, _, err := gw.ConfigGet(ctx, "fastcdc.metricsaddr")
	if err != nil {
		return Config{}, err
	}

	params := chunker.Params{Min: min, Avg: avg, Max: max}
	if err := params.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	return Config{OnDisk: onDisk, Chunker: params, MetricsAddr: metricsAddr}, nil
}
