package observe

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// InitProvider registers with the default Prometheus registry, so it is
// exercised once per test binary.
func TestInitProvider(t *testing.T) {
	mp, shutdown, err := InitProvider(context.Background(), ProviderConfig{ServiceVersion: "test"})
	require.NoError(t, err)
	require.NotNil(t, mp)
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	require.NoError(t, err)
	m.Cycles.Add(context.Background(), 2)

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	var cycles, service bool
	for _, mf := range families {
		if strings.HasPrefix(mf.GetName(), "duplex_cycles") {
			cycles = true
		}
		if mf.GetName() != "target_info" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "service_name" && l.GetValue() == "duplex" {
					service = true
				}
			}
		}
	}
	assert.True(t, cycles, "cycle counter exported")
	assert.True(t, service, "service name exported on target_info")
}
