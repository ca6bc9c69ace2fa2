package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pick-engine/internal/config"
)

func TestAlerter_Evaluate(t *testing.T) {
	cfg := config.MonitoringConfig{
		FailureRateThreshold: 0.10,
		StaleRunMinutes:      30,
		MinWinRate:           0.52,
		MinResolvedSample:    20,
	}

	tests := []struct {
		name  string
		cfg   config.MonitoringConfig
		snap  MetricsSnapshot
		want  []AlertType
		inMsg string
	}{
		{
			name: "healthy",
			cfg:  cfg,
			snap: MetricsSnapshot{RunsTotal: 100, RunsComplete: 95, RunsFailed: 5, RunFailRate: 0.05, ConsensusWins: 30, ConsensusLosses: 20, ConsensusWinRate: 0.6},
		},
		{
			name:  "failure rate",
			cfg:   cfg,
			snap:  MetricsSnapshot{RunsTotal: 20, RunsComplete: 12, RunsFailed: 8, RunFailRate: 0.4},
			want:  []AlertType{AlertRunFailureRate},
			inMsg: "40.0%",
		},
		{
			name: "too few finished runs",
			cfg:  cfg,
			snap: MetricsSnapshot{RunsTotal: 3, RunsComplete: 1, RunsFailed: 2, RunFailRate: 0.666},
		},
		{
			name:  "stale runs",
			cfg:   cfg,
			snap:  MetricsSnapshot{RunsTotal: 2, RunsInProgress: 2, StaleRuns: 1},
			want:  []AlertType{AlertStaleRuns},
			inMsg: "more than 30m",
		},
		{
			name:  "consensus slump",
			cfg:   cfg,
			snap:  MetricsSnapshot{ConsensusWins: 9, ConsensusLosses: 16, ConsensusWinRate: 0.36},
			want:  []AlertType{AlertConsensusSlump},
			inMsg: "25 settled",
		},
		{
			name: "slump below sample",
			cfg:  cfg,
			snap: MetricsSnapshot{ConsensusWins: 2, ConsensusLosses: 8, ConsensusWinRate: 0.2},
		},
		{
			name: "win floor disabled",
			cfg:  config.MonitoringConfig{FailureRateThreshold: 0.10, MinResolvedSample: 1},
			snap: MetricsSnapshot{ConsensusWins: 1, ConsensusLosses: 50, ConsensusWinRate: 0.02},
		},
		{
			name: "everything",
			cfg:  cfg,
			snap: MetricsSnapshot{
				RunsTotal: 20, RunsComplete: 10, RunsFailed: 10, RunFailRate: 0.5, StaleRuns: 2,
				ConsensusWins: 5, ConsensusLosses: 20, ConsensusWinRate: 0.2,
			},
			want: []AlertType{AlertRunFailureRate, AlertStaleRuns, AlertConsensusSlump},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := tt.snap
			snap.LookbackHours = 24
			alerts := NewAlerter(tt.cfg).Evaluate(&snap)
			require.Len(t, alerts, len(tt.want))
			for i, typ := range tt.want {
				assert.Equal(t, typ, alerts[i].Type)
				assert.False(t, alerts[i].Timestamp.IsZero())
			}
			if tt.inMsg != "" {
				assert.Contains(t, alerts[0].Message, tt.inMsg)
			}
		})
	}
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		err := json.NewDecoder(r.Body).Decode(&alert)
		require.NoError(t, err)
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: ts.URL,
	})

	alerts := []Alert{
		{Type: AlertRunFailureRate, Severity: "high", Message: "test alert 1"},
		{Type: AlertStaleRuns, Severity: "medium", Message: "test alert 2"},
	}

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: "",
	})

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertRunFailureRate, Message: "test"},
	})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_EmptyAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: "http://example.com",
	})

	sent := a.SendAlerts(context.Background(), nil)
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: ts.URL,
	})

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertRunFailureRate, Message: "test"}})
	assert.Equal(t, 0, sent)
}
