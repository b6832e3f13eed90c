package rules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ibexd/internal/domain"
)

func TestDefaultsValidate(t *testing.T) {
	set := Defaults()
	require.NoError(t, set.validate())
}

func TestValidateCondition(t *testing.T) {
	set := Defaults()

	ok := &domain.Condition{
		ConditionID: "c1", Type: domain.SingleProduct, Metric: domain.MetricPrice,
		TriggerMode: domain.TriggerLevelInstant, EvaluationWindow: "1m",
		Operator: domain.OpLTE, Value: 60, Product: "SLV",
	}
	require.NoError(t, set.Validate(ok))

	badWindow := *ok
	badWindow.EvaluationWindow = "2d"
	require.Error(t, set.Validate(&badWindow), "PRICE does not admit day windows")

	badOp := *ok
	badOp.TriggerMode = domain.TriggerCrossUpInstant
	require.Error(t, set.Validate(&badOp), "CROSS_UP only admits >=")

	spreadInstant := &domain.Condition{
		ConditionID: "c1", Type: domain.PairProducts, Metric: domain.MetricSpread,
		TriggerMode: domain.TriggerLevelInstant, EvaluationWindow: "1h",
		Operator: domain.OpLTE, Value: -120, Product: "SPY", ProductB: "QQQ",
	}
	require.Error(t, set.Validate(spreadInstant), "SPREAD is confirm-only")

	spreadConfirm := *spreadInstant
	spreadConfirm.TriggerMode = domain.TriggerLevelConfirm
	require.NoError(t, set.Validate(&spreadConfirm))

	pairMismatch := *ok
	pairMismatch.Metric = domain.MetricVolumeRatio
	pairMismatch.TriggerMode = domain.TriggerLevelConfirm
	pairMismatch.EvaluationWindow = "1h"
	require.Error(t, set.Validate(&pairMismatch), "pair metric on SINGLE_PRODUCT")

	drawdown := &domain.Condition{
		ConditionID: "c1", Type: domain.SingleProduct, Metric: domain.MetricDrawdownPct,
		TriggerMode: domain.TriggerLevelInstant, EvaluationWindow: "1h",
		Operator: domain.OpGTE, Value: 0.1, Product: "SLV",
	}
	require.NoError(t, set.Validate(drawdown))

	drawdown.Operator = domain.OpLTE
	require.Error(t, set.Validate(drawdown), "drawdown only admits >=")
}

func TestRequiredAndLookbackPoints(t *testing.T) {
	set := Defaults()

	n, err := set.RequiredPoints(domain.TriggerLevelInstant, "1m")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = set.RequiredPoints(domain.TriggerCrossUpInstant, "5m")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = set.RequiredPoints(domain.TriggerLevelConfirm, "5m")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = set.RequiredPoints(domain.TriggerCrossUpConfirm, "1h")
	require.NoError(t, err)
	assert.Equal(t, 3, n, "confirm_consecutive 2 plus the pre-cross bar")

	lb, err := set.LookbackPoints(domain.TriggerLevelInstant, "1m")
	require.NoError(t, err)
	assert.Equal(t, 3, lb)

	lb, err = set.LookbackPoints(domain.TriggerLevelConfirm, "5m")
	require.NoError(t, err)
	assert.Equal(t, 6, lb)

	_, err = set.RequiredPoints(domain.TriggerLevelConfirm, "1m")
	require.Error(t, err, "confirm modes do not admit 1m")
}

func TestRequiredPointsRatio(t *testing.T) {
	set := Defaults()
	set.Windows[domain.TriggerLevelConfirm]["1h"] = WindowSpec{
		BaseBar: "5m", ConfirmRatio: 0.5, MissingDataPolicy: PolicyReject,
	}
	n, err := set.RequiredPoints(domain.TriggerLevelConfirm, "1h")
	require.NoError(t, err)
	assert.Equal(t, 6, n, "ceil(0.5 * 12 base bars)")
}

func TestLoadOverlayAndMutualExclusion(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "rules.toml")
	require.NoError(t, os.WriteFile(good, []byte(`
[trigger_mode_windows.LEVEL_CONFIRM."1h"]
base_bar = "5m"
confirm_consecutive = 3
missing_data_policy = "reject"
`), 0o644))

	set, err := Load(good)
	require.NoError(t, err)
	spec, err := set.Spec(domain.TriggerLevelConfirm, "1h")
	require.NoError(t, err)
	assert.Equal(t, 3, spec.ConfirmConsecutive)

	bad := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte(`
[trigger_mode_windows.LEVEL_CONFIRM."1h"]
base_bar = "5m"
confirm_consecutive = 3
confirm_ratio = 0.5
missing_data_policy = "reject"
`), 0o644))

	_, err = Load(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	set, err := Load("")
	require.NoError(t, err)
	_, err = set.Spec(domain.TriggerLevelInstant, "1m")
	require.NoError(t, err)
}
