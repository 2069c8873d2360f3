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

package workflowsignals

import (
	"crypto/sha1" //nolint:gosec // used as a stable, non-cryptographic fingerprint, not for security
	"encoding/binary"
	"encoding/hex"
)

// StableRunID derives a deterministic negative int64 from the low 63
// bits of SHA1(key), matching _stable_run_id.
func StableRunID(key string) int64 {
	digest := sha1.Sum([]byte(key)) //nolint:gosec
	value := binary.BigEndian.Uint64(digest[:8])
	return -int64(value % (1 << 63))
}

// IncidentIDFromKey derives the incident_id as the hex SHA1 of a dedupe
// key.
func IncidentIDFromKey(key string) string {
	digest := sha1.Sum([]byte(key)) //nolint:gosec
	return hex.EncodeToString(digest[:])
}

// HashSecretName returns a short, non-reversible fingerprint of a secret
// name for evidence, so overlapping secret names can be correlated
// without ever storing or logging the name itself.
func HashSecretName(name string) string {
	digest := sha1.Sum([]byte(name)) //nolint:gosec
	return hex.EncodeToString(digest[:])[:10]
}
