package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsValidate(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadFeeSplit(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	cfg.Fees.Treasury = cfg.Fees.Treasury.Add(cfg.Fees.Treasury)
	require.Error(t, cfg.Validate(), "expected validation error for a fee split that does not sum to 1")
}

func TestParseDecimalArray5FallsBackOnBadInput(t *testing.T) {
	got := parseDecimalArray5("not,enough")
	for i, v := range got {
		require.Equal(t, "0.200000", v.String(), "weight %d", i)
	}
}
