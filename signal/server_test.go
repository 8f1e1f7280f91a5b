package signal

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshcall/metric"
	"meshcall/pkg/clock"
	"meshcall/types/message"
)

func TestConfigValidate(t *testing.T) {
	cert := filepath.Join(t.TempDir(), "cert.pem")
	require.NoError(t, os.WriteFile(cert, []byte("cert"), 0o600))

	tests := []struct {
		name   string
		modify func(c *Config)
		err    error
	}{
		{name: "given defaults with a secret then valid", modify: func(*Config) {}},
		{name: "given port 0 then invalid port", modify: func(c *Config) { c.Port = 0 }, err: ErrInvalidPort},
		{name: "given port 65536 then invalid port", modify: func(c *Config) { c.Port = 65536 }, err: ErrInvalidPort},
		{name: "given no secret then invalid secret", modify: func(c *Config) { c.Secret = "" }, err: ErrInvalidSecret},
		{name: "given zero ttl then invalid duration", modify: func(c *Config) { c.MailboxTTL = 0 }, err: ErrInvalidDuration},
		{name: "given a missing cert then invalid cert", modify: func(c *Config) { c.CertFile = "missing.pem"; c.KeyFile = cert }, err: ErrInvalidCertFile},
		{name: "given a missing key then invalid key", modify: func(c *Config) { c.CertFile = cert; c.KeyFile = "missing.pem" }, err: ErrInvalidKeyFile},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			c.Secret = "secret"
			tt.modify(&c)
			assert.ErrorIs(t, c.Validate(), tt.err)
		})
	}
}

func TestSweepDropsExpiredSignals(t *testing.T) {
	config := DefaultConfig()
	config.Secret = "secret"
	m := metric.New(metric.DefaultConfig())
	s, err := New(config, m)
	require.NoError(t, err)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.Fake(start)
	s.clock = clk

	msg := message.Signal{MeetingID: "m1", Type: message.OFFER, Sender: "a", Receiver: "b"}
	_, err = s.database.CreateSignalInfo(msg, start)
	require.NoError(t, err)
	_, err = s.database.CreateSignalInfo(msg, start.Add(DefaultMailboxTTL))
	require.NoError(t, err)

	clk.Advance(DefaultMailboxTTL + time.Second)
	s.sweep()

	count, err := s.database.CountSignalInfos()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == "relay_pending_signals" {
			assert.Equal(t, float64(1), f.GetMetric()[0].GetGauge().GetValue())
		}
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	config := DefaultConfig()
	config.Secret = "secret"
	s, err := New(config, metric.New(metric.DefaultConfig()))
	require.NoError(t, err)

	for _, path := range []string{HealthPath, metric.DefaultMetricsPath} {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}
