package rules

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/alanyoungcy/ibexd/internal/domain"
)

// fileFormat mirrors the on-disk TOML layout:
//
//	[trigger_mode_windows.LEVEL_CONFIRM."1h"]
//	base_bar = "5m"
//	confirm_consecutive = 2
//	missing_data_policy = "reject"
//
//	[metric_trigger_operator_rules.PRICE]
//	allowed_windows = ["1m", "5m"]
//	[[metric_trigger_operator_rules.PRICE.allowed_rules]]
//	mode = "LEVEL_INSTANT"
//	operators = [">=", "<="]
type fileFormat struct {
	Windows map[string]map[string]WindowSpec `toml:"trigger_mode_windows"`
	Metrics map[string]MetricRule            `toml:"metric_trigger_operator_rules"`
}

// Load reads a rules file at path and overlays it on the built-in defaults.
// An empty path returns the defaults unchanged. Whole (mode, window) cells
// and whole metric entries are replaced, not field-merged.
func Load(path string) (*Set, error) {
	set := Defaults()
	if path == "" {
		if err := set.validate(); err != nil {
			return nil, err
		}
		return set, nil
	}

	var ff fileFormat
	if _, err := toml.DecodeFile(path, &ff); err != nil {
		return nil, fmt.Errorf("rules: decode %s: %w", path, err)
	}

	for mode, byWindow := range ff.Windows {
		m := domain.TriggerMode(mode)
		if _, ok := set.Windows[m]; !ok {
			set.Windows[m] = map[string]WindowSpec{}
		}
		for window, spec := range byWindow {
			if spec.MissingDataPolicy == "" {
				spec.MissingDataPolicy = PolicyReject
			}
			set.Windows[m][window] = spec
		}
	}
	for metric, mr := range ff.Metrics {
		set.Metrics[domain.Metric(metric)] = mr
	}

	if err := set.validate(); err != nil {
		return nil, err
	}
	return set, nil
}
