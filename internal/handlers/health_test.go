package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	domain "github.com/anonline/farm2fork-v3-sub000/internal/domain"
	"github.com/anonline/farm2fork-v3-sub000/internal/services"
)

type stubSystemService struct {
	report services.SystemHealthReport
	err    error
}

func (s *stubSystemService) HealthReport(context.Context) (services.SystemHealthReport, error) {
	return s.report, s.err
}

type readyzBody struct {
	Status string `json:"status"`
	Checks map[string]struct {
		Status    string `json:"status"`
		LatencyMS int64  `json:"latencyMs"`
	} `json:"checks"`
	Details []string `json:"details"`
}

func TestHealthzReportsBuildAndUptime(t *testing.T) {
	start := time.Date(2025, 3, 1, 6, 0, 0, 0, time.UTC)
	h := NewHealthHandlers(
		WithHealthBuildInfo(services.BuildInfo{Version: "3.4.0", CommitSHA: "f00d", Environment: "staging", StartedAt: start}),
		WithHealthClock(func() time.Time { return start.Add(90 * time.Second) }),
	)

	rr := httptest.NewRecorder()
	h.Healthz(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["uptime"] != "1m30s" || body["version"] != "3.4.0" || body["environment"] != "staging" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestReadyzOutcomes(t *testing.T) {
	now := time.Date(2025, 3, 1, 6, 5, 0, 0, time.UTC)

	cases := []struct {
		name        string
		system      services.SystemService
		wantCode    int
		wantStatus  string
		wantDetails []string
	}{
		{
			name:       "no checker configured",
			wantCode:   http.StatusOK,
			wantStatus: domain.HealthStatusOK,
		},
		{
			name: "all dependencies reachable",
			system: &stubSystemService{report: services.SystemHealthReport{
				Status:      domain.HealthStatusOK,
				GeneratedAt: now,
				Checks: map[string]domain.SystemHealthCheck{
					"firestore": {Status: domain.HealthStatusOK, Latency: 12 * time.Millisecond, CheckedAt: now},
					"redis":     {Status: domain.HealthStatusOK, Latency: 2 * time.Millisecond, CheckedAt: now},
				},
			}},
			wantCode:   http.StatusOK,
			wantStatus: domain.HealthStatusOK,
		},
		{
			name: "order events topic missing",
			system: &stubSystemService{report: services.SystemHealthReport{
				Status: domain.HealthStatusDegraded,
				Checks: map[string]domain.SystemHealthCheck{
					"firestore": {Status: domain.HealthStatusOK},
					"pubsub":    {Status: domain.HealthStatusDegraded, Error: "topic order-events not found"},
				},
			}},
			wantCode:    http.StatusServiceUnavailable,
			wantStatus:  domain.HealthStatusDegraded,
			wantDetails: []string{"pubsub: topic order-events not found"},
		},
		{
			name:        "checker failed",
			system:      &stubSystemService{err: errors.New("health repository unavailable")},
			wantCode:    http.StatusServiceUnavailable,
			wantStatus:  domain.HealthStatusError,
			wantDetails: []string{"health repository unavailable"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := []HealthOption{WithHealthClock(func() time.Time { return now })}
			if tc.system != nil {
				opts = append(opts, WithHealthSystemService(tc.system))
			}
			rr := httptest.NewRecorder()
			NewHealthHandlers(opts...).Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			if rr.Code != tc.wantCode {
				t.Fatalf("expected %d, got %d", tc.wantCode, rr.Code)
			}
			var body readyzBody
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Status != tc.wantStatus {
				t.Fatalf("expected status %s, got %s", tc.wantStatus, body.Status)
			}
			if len(body.Details) != len(tc.wantDetails) {
				t.Fatalf("expected details %v, got %v", tc.wantDetails, body.Details)
			}
			for i := range tc.wantDetails {
				if body.Details[i] != tc.wantDetails[i] {
					t.Fatalf("expected details %v, got %v", tc.wantDetails, body.Details)
				}
			}
			if tc.name == "all dependencies reachable" && body.Checks["firestore"].LatencyMS != 12 {
				t.Fatalf("expected firestore latency 12ms, got %d", body.Checks["firestore"].LatencyMS)
			}
		})
	}
}

var _ services.SystemService = (*stubSystemService)(nil)
