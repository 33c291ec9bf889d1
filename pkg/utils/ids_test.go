package utils

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewDeploymentIDShapes(t *testing.T) {
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	tests := []struct {
		origin Origin
		prefix string
		length int
	}{
		{OriginQuery, "QR", 18},
		{OriginProvision, "DP", 18},
		{OriginAI, "AIDP", 23},
		{OriginTemplate, "TP20260304050607", 22},
	}
	for _, tt := range tests {
		t.Run(string(tt.origin), func(t *testing.T) {
			id, err := newDeploymentIDAt(tt.origin, now)
			require.NoError(t, err)
			require.Len(t, id, tt.length)
			require.True(t, strings.HasPrefix(id, tt.prefix), id)
			require.True(t, ValidDeploymentID(id), id)
		})
	}
}

func TestNewDeploymentIDUsesTimestampTail(t *testing.T) {
	id, err := newDeploymentIDAt(OriginProvision, time.Unix(1712345678, 0))
	require.NoError(t, err)
	require.Equal(t, "DP1712345678", id[:12])
}

func TestNewDeploymentIDUnknownOrigin(t *testing.T) {
	_, err := NewDeploymentID("batch")
	require.Error(t, err)
	require.False(t, ValidOrigin("batch"))
}

func TestValidDeploymentID(t *testing.T) {
	require.False(t, ValidDeploymentID("dp1712345678abcdef"))
	require.False(t, ValidDeploymentID("../etc/passwd"))
	require.False(t, ValidDeploymentID("SHORT"))
	require.True(t, ValidDeploymentID("QR1712345678ABC123"))
}

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint("resource \"aws_vpc\" \"main\" {}")
	require.Len(t, a, 12)
	require.Equal(t, a, Fingerprint("resource \"aws_vpc\" \"main\" {}"))
	require.NotEqual(t, a, Fingerprint(""))
}
