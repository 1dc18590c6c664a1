package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/citycare/controlcenter/pkg/protocol"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counterValue sums every series of the named counter or gauge
func counterValue(t *testing.T, m *Metrics, name string, labels ...string) float64 {
	t.Helper()
	families, err := m.Gatherer().Gather()
	require.NoError(t, err)

	total := 0.0
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			if !hasLabels(metric.GetLabel(), labels) {
				continue
			}
			switch {
			case metric.GetCounter() != nil:
				total += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				total += metric.GetGauge().GetValue()
			}
		}
	}
	return total
}

// hasLabels reports whether pairs (name, value, name, value...) all match
func hasLabels(got []*dto.LabelPair, pairs []string) bool {
	for i := 0; i+1 < len(pairs); i += 2 {
		found := false
		for _, l := range got {
			if l.GetName() == pairs[i] && l.GetValue() == pairs[i+1] {
				found = true
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordActiveSessions(3)
		m.RecordSessionCreated()
		m.RecordFrameReceived(protocol.KindChat)
		m.RecordFrameSent()
		m.RecordSendError()
		m.RecordLoginRejected("taken")
	})
}

func TestServerMetrics(t *testing.T) {
	srv := newServer(t)
	m := srv.Metrics()

	alice := connectAndLogin(t, srv, "Alice")
	bob := connectAndLogin(t, srv, "Bob")
	alice.expectSystem(t, "Bob has connected")

	alice.send(t, protocol.Chat{Text: "hi"})
	bob.expect(t)

	dup := dialTCP(t, srv)
	dup.expectSystem(t, srv.Config().WelcomeMessage)
	dup.send(t, protocol.Login{Name: "bob"})
	dup.expectClosed(t)
	waitForSessions(t, srv, 2)

	assert.Equal(t, 3.0, counterValue(t, m, "citycare_sessions_total"))
	assert.Equal(t, 2.0, counterValue(t, m, "citycare_sessions_active"))
	assert.Equal(t, 3.0, counterValue(t, m, "citycare_frames_received_total", "kind", "login"))
	assert.Equal(t, 1.0, counterValue(t, m, "citycare_frames_received_total", "kind", "chat"))
	assert.Equal(t, 1.0, counterValue(t, m, "citycare_logins_rejected_total", "reason", "taken"))
	assert.GreaterOrEqual(t, counterValue(t, m, "citycare_frames_sent_total"), 7.0)
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.RecordSessionCreated()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "citycare_sessions_total 1"))
}

func TestHealthHandler(t *testing.T) {
	srv := newServer(t)
	connectAndLogin(t, srv, "Alice")
	waitForSessions(t, srv, 1)

	rec := httptest.NewRecorder()
	srv.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var health healthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Sessions)

	srv.Stop()
	rec = httptest.NewRecorder()
	srv.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
