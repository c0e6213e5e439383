package nativeio

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestDuplicateRegistration(t *testing.T) {
	promReg := prometheus.NewRegistry()
	reg := newReusableRegistry(promReg)

	c := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test",
		Help: "test",
	})
	reg.MustRegister(c)

	c.Inc()
	c.Inc()

	checkCounter := func(expValue float64) {
		mf, err := promReg.Gather()
		require.NoError(t, err)
		require.Len(t, mf, 1)
		require.Len(t, mf[0].Metric, 1)
		require.Equal(t, expValue, *mf[0].Metric[0].Counter.Value)
	}
	checkCounter(2)

	c = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test",
		Help: "test",
	})
	// Registering the same collector on the vanilla registry should panic.
	require.Panics(t, func() {
		promReg.MustRegister(c)
	}, "should panic when registering the same collector twice")

	// Registering the same collector on the reusable registry should not panic.
	reg.MustRegister(c)

	c.Inc()
	// Counter should be reset and show 1.
	checkCounter(1)
}

func TestConfigsShareRegisterer(t *testing.T) {
	promReg := prometheus.NewRegistry()
	require.Same(t, reusableRegistryFor(promReg), reusableRegistryFor(promReg))

	first, err := NewConfig(WithRegisterer(promReg))
	require.NoError(t, err)
	first.metrics.rowsRead.Add(3)

	require.NotPanics(t, func() {
		_, err = NewConfig(WithRegisterer(promReg))
	})
	require.NoError(t, err)

	mf, err := promReg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(mf))
	for _, m := range mf {
		names = append(names, m.GetName())
	}
	require.Contains(t, names, "nativeio_reader_rows_total")
	require.Contains(t, names, "nativeio_upload_parts_total")
}
