// Copyright 2024 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHandlerServesRegisteredCollectors(t *testing.T) {
	EventsProcessed.WithLabelValues("new").Inc()
	IncidentsEmitted.WithLabelValues("workflow_failure", "run_checker").Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "sentinel_events_processed_total") {
		t.Error("expected sentinel_events_processed_total in /metrics output")
	}
	if !strings.Contains(body, "sentinel_incidents_emitted_total") {
		t.Error("expected sentinel_incidents_emitted_total in /metrics output")
	}

	got := testutil.ToFloat64(IncidentsEmitted.WithLabelValues("workflow_failure", "run_checker"))
	if got < 1 {
		t.Errorf("IncidentsEmitted = %v, want >= 1", got)
	}
}
