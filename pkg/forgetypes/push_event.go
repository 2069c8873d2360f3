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

package forgetypes

// CommitChange is one commit's file change lists from a push event
// payload.
type CommitChange struct {
	SHA      string
	Added    []string
	Modified []string
	Removed  []string
}

// PushEventContext is the normalized shape of a PushEvent's payload that
// the workflow-exfiltration detectors operate on.
type PushEventContext struct {
	RepoFullName string
	Owner        string
	Name         string
	Actor        string
	CreatedAt    string
	BeforeSHA    string
	AfterSHA     string
	HeadSHA      string
	Commits      []CommitChange
}
