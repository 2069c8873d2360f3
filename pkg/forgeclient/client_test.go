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

package forgeclient

import (
	"archive/zip"
	"bytes"
	"net/http"
	"testing"
	"time"
)

func TestRetryableStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{http.StatusForbidden, true},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusNotFound, false},
		{http.StatusUnauthorized, false},
		{http.StatusOK, false},
	}
	for _, tc := range cases {
		if got := retryableStatus(tc.code); got != tc.want {
			t.Errorf("retryableStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestBackoffDelayIsBoundedAndIncreasing(t *testing.T) {
	prev := time.Duration(0)
	for n := 0; n < maxAttempts; n++ {
		d := backoffDelay(n)
		if d > maxBackoff {
			t.Errorf("backoffDelay(%d) = %s, exceeds cap %s", n, d, maxBackoff)
		}
		if d < prev {
			// Jitter can make delays non-monotonic only slightly; the cap
			// keeps later attempts from shrinking by more than jitter
			// allows once saturated.
			if prev <= maxBackoff-maxBackoff/4 {
				t.Errorf("backoffDelay(%d) = %s, less than previous %s before saturation", n, d, prev)
			}
		}
		prev = d
	}
}

func TestDecodeLogBodyPlainText(t *testing.T) {
	body := []byte("2024-01-01T00:00:00Z npm ERR! 401 Unauthorized\n")
	got := decodeLogBody(body)
	if got != string(body) {
		t.Errorf("decodeLogBody() = %q, want %q", got, string(body))
	}
}

func TestDecodeLogBodyZipArchive(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f1, err := zw.Create("job/1_step.txt")
	if err != nil {
		t.Fatalf("create zip entry: %v", err)
	}
	if _, err := f1.Write([]byte("line one\n")); err != nil {
		t.Fatalf("write zip entry: %v", err)
	}
	f2, err := zw.Create("job/2_step.txt")
	if err != nil {
		t.Fatalf("create zip entry: %v", err)
	}
	if _, err := f2.Write([]byte("line two\n")); err != nil {
		t.Fatalf("write zip entry: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip writer: %v", err)
	}

	got := decodeLogBody(buf.Bytes())
	if !bytes.Contains([]byte(got), []byte("line one")) || !bytes.Contains([]byte(got), []byte("line two")) {
		t.Errorf("decodeLogBody(zip) = %q, want both member contents", got)
	}
}

func TestDecodeLogBodyCorruptZipIsEmpty(t *testing.T) {
	got := decodeLogBody([]byte("PKnotavalidzip"))
	if got != "" {
		t.Errorf("decodeLogBody(corrupt zip) = %q, want empty string", got)
	}
}
