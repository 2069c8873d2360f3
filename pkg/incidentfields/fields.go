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

// Package incidentfields derives the scope/surface/actor fields an
// incident carries before it is persisted, when the detector that
// produced it left them unset.
package incidentfields

import (
	"strings"

	"github.com/forgesentinel/sentinel/pkg/forgetypes"
)

// DeriveScope reports the blast radius for a kind.
func DeriveScope(kind forgetypes.IncidentKind) forgetypes.Scope {
	if kind == forgetypes.KindEcosystemIncident {
		return forgetypes.ScopeEcosystem
	}
	return forgetypes.ScopeRepo
}

// DeriveSurface reports the asset surface for a kind and tag set.
func DeriveSurface(kind forgetypes.IncidentKind, tags forgetypes.TagSet) forgetypes.Surface {
	switch kind {
	case forgetypes.KindGhostActionRisk, forgetypes.KindPersonalizedSecretExfiltration:
		return forgetypes.SurfaceCredentials
	}
	tagBlob := strings.ToLower(strings.Join(tags, " "))
	if kind == forgetypes.KindEcosystemIncident || strings.Contains(tagBlob, "npm") || strings.Contains(tagBlob, "dependency") {
		return forgetypes.SurfaceDependencies
	}
	if kind == forgetypes.KindWorkflowFailure {
		return forgetypes.SurfaceOps
	}
	return forgetypes.SurfaceAutomation
}

// DeriveActor derives the actor record from an incident's evidence map.
func DeriveActor(evidence forgetypes.JSONMap) forgetypes.JSONMap {
	login, _ := evidence["actor"].(string)
	if login == "" {
		login, _ = evidence["actor_login"].(string)
	}

	var actorType string
	if ctx, ok := evidence["actor_context"].(forgetypes.JSONMap); ok {
		if t, ok := ctx["type"].(string); ok {
			actorType = strings.ToLower(t)
		}
	}

	isBot := strings.HasSuffix(strings.ToLower(login), "[bot]")
	if actorType == "bot" {
		isBot = true
	}
	switch actorType {
	case "user", "bot", "org":
	default:
		actorType = "unknown"
	}

	if login == "" {
		login = "unknown"
	}

	return forgetypes.JSONMap{
		"login":  login,
		"type":   actorType,
		"is_bot": isBot,
	}
}

// Apply fills scope/surface/actor on inc if they are not already set,
// without ever overwriting an explicit value. Mutates inc in place.
func Apply(inc *forgetypes.Incident) {
	if inc.Scope == "" {
		inc.Scope = DeriveScope(inc.Kind)
	}
	if inc.Surface == "" {
		inc.Surface = DeriveSurface(inc.Kind, inc.Tags)
	}
	if inc.Actor == nil {
		inc.Actor = DeriveActor(inc.Evidence)
	}
}
