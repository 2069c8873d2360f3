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

// Package signalplugins defines the run-log signal plugin interface and
// the static registry of built-in plugins.
package signalplugins

import "github.com/forgesentinel/sentinel/pkg/forgetypes"

// Plugin inspects a single job's raw log text and optionally reports a
// signal match.
type Plugin interface {
	Name() string
	Match(runCtx forgetypes.RunContext, logText string) (*forgetypes.SignalMatch, bool)
}

// Registry lists every built-in plugin in the order they should run. New
// plugins are added here, matching the python implementation's flat
// plugin list in main.py.
func Registry() []Plugin {
	return []Plugin{
		NewNpmAuthTokenExpired(),
	}
}
