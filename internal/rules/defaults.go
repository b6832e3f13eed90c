package rules

import "github.com/alanyoungcy/ibexd/internal/domain"

// Defaults returns the built-in rule tables. A rules file loaded via Load
// replaces whole (mode, window) cells and whole metric entries rather than
// merging field by field.
func Defaults() *Set {
	bothOps := []domain.Operator{domain.OpGTE, domain.OpLTE}
	gteOnly := []domain.Operator{domain.OpGTE}

	instant := map[string]WindowSpec{
		"1m":  {BaseBar: "1m", MissingDataPolicy: PolicyReject},
		"5m":  {BaseBar: "1m", MissingDataPolicy: PolicyReject},
		"30m": {BaseBar: "5m", MissingDataPolicy: PolicyReject},
		"1h":  {BaseBar: "5m", MissingDataPolicy: PolicyReject},
		"2h":  {BaseBar: "15m", MissingDataPolicy: PolicyBestEffort},
		"4h":  {BaseBar: "15m", MissingDataPolicy: PolicyBestEffort},
		"1d":  {BaseBar: "1h", MissingDataPolicy: PolicyBestEffort},
		"2d":  {BaseBar: "1h", MissingDataPolicy: PolicyBestEffort},
	}
	confirm := map[string]WindowSpec{
		"5m":  {BaseBar: "1m", ConfirmConsecutive: 4, MissingDataPolicy: PolicyReject},
		"30m": {BaseBar: "5m", ConfirmConsecutive: 2, MissingDataPolicy: PolicyReject},
		"1h":  {BaseBar: "5m", ConfirmConsecutive: 2, MissingDataPolicy: PolicyReject},
		"2h":  {BaseBar: "15m", ConfirmConsecutive: 2, MissingDataPolicy: PolicyBestEffort},
		"4h":  {BaseBar: "15m", ConfirmConsecutive: 2, MissingDataPolicy: PolicyBestEffort},
		"1d":  {BaseBar: "1h", ConfirmConsecutive: 2, MissingDataPolicy: PolicyBestEffort},
		"2d":  {BaseBar: "1h", ConfirmConsecutive: 2, MissingDataPolicy: PolicyBestEffort},
	}

	return &Set{
		Windows: map[domain.TriggerMode]map[string]WindowSpec{
			domain.TriggerLevelInstant:     instant,
			domain.TriggerCrossUpInstant:   instant,
			domain.TriggerCrossDownInstant: instant,
			domain.TriggerLevelConfirm:     confirm,
			domain.TriggerCrossUpConfirm:   confirm,
			domain.TriggerCrossDownConfirm: confirm,
		},
		Metrics: map[domain.Metric]MetricRule{
			domain.MetricPrice: {
				AllowedWindows: []string{"1m", "5m", "30m", "1h"},
				AllowedRules: []ModeOps{
					{Mode: domain.TriggerLevelInstant, Operators: bothOps},
					{Mode: domain.TriggerLevelConfirm, Operators: bothOps},
					{Mode: domain.TriggerCrossUpInstant, Operators: gteOnly},
					{Mode: domain.TriggerCrossDownInstant, Operators: []domain.Operator{domain.OpLTE}},
					{Mode: domain.TriggerCrossUpConfirm, Operators: gteOnly},
					{Mode: domain.TriggerCrossDownConfirm, Operators: []domain.Operator{domain.OpLTE}},
				},
			},
			domain.MetricSpread: {
				AllowedWindows: []string{"5m", "30m", "1h"},
				AllowedRules: []ModeOps{
					{Mode: domain.TriggerLevelConfirm, Operators: bothOps},
					{Mode: domain.TriggerCrossUpConfirm, Operators: gteOnly},
					{Mode: domain.TriggerCrossDownConfirm, Operators: []domain.Operator{domain.OpLTE}},
				},
			},
			domain.MetricDrawdownPct: {
				AllowedWindows: []string{"1h", "2h", "4h", "1d", "2d"},
				AllowedRules: []ModeOps{
					{Mode: domain.TriggerLevelInstant, Operators: gteOnly},
					{Mode: domain.TriggerLevelConfirm, Operators: gteOnly},
				},
			},
			domain.MetricRallyPct: {
				AllowedWindows: []string{"1h", "2h", "4h", "1d", "2d"},
				AllowedRules: []ModeOps{
					{Mode: domain.TriggerLevelInstant, Operators: gteOnly},
					{Mode: domain.TriggerLevelConfirm, Operators: gteOnly},
				},
			},
			domain.MetricVolumeRatio: {
				AllowedWindows: []string{"1h", "2h", "4h", "1d", "2d"},
				AllowedRules: []ModeOps{
					{Mode: domain.TriggerLevelConfirm, Operators: bothOps},
				},
			},
			domain.MetricAmountRatio: {
				AllowedWindows: []string{"1h", "2h", "4h", "1d", "2d"},
				AllowedRules: []ModeOps{
					{Mode: domain.TriggerLevelConfirm, Operators: bothOps},
				},
			},
		},
	}
}
