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

package eventpoller

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/go-github/v61/github"

	"github.com/forgesentinel/sentinel/pkg/forgetypes"
)

// normalizeEvent turns a raw activity-feed entry into the row shape the
// store persists, matching poll_events.py:normalize_event.
func normalizeEvent(ev *github.Event) forgetypes.Event {
	repoFullName := ""
	if ev.Repo != nil {
		repoFullName = ev.Repo.GetName()
	}
	actorLogin := ""
	if ev.Actor != nil {
		actorLogin = ev.Actor.GetLogin()
	}
	createdAt := ev.GetCreatedAt().Format(time.RFC3339)
	if ev.CreatedAt == nil {
		createdAt = time.Now().UTC().Format(time.RFC3339)
	}

	raw, _ := json.Marshal(ev)

	return forgetypes.Event{
		EventID:      ev.GetID(),
		EventType:    ev.GetType(),
		RepoFullName: repoFullName,
		ActorLogin:   actorLogin,
		CreatedAt:    createdAt,
		Raw:          raw,
	}
}

// pushEventContext extracts a PushEventContext from a PushEvent-typed
// activity-feed entry, or reports ok=false for any other event type.
func pushEventContext(ev *github.Event, createdAt string) (forgetypes.PushEventContext, bool) {
	if ev.GetType() != "PushEvent" {
		return forgetypes.PushEventContext{}, false
	}
	payload, err := ev.ParsePayload()
	if err != nil {
		return forgetypes.PushEventContext{}, false
	}
	push, ok := payload.(*github.PushEvent)
	if !ok {
		return forgetypes.PushEventContext{}, false
	}

	repoFullName := ""
	if ev.Repo != nil {
		repoFullName = ev.Repo.GetName()
	}
	owner, name, _ := strings.Cut(repoFullName, "/")

	actorLogin := ""
	if ev.Actor != nil {
		actorLogin = ev.Actor.GetLogin()
	}

	var commits []forgetypes.CommitChange
	for _, c := range push.Commits {
		commits = append(commits, forgetypes.CommitChange{
			SHA:      c.GetSHA(),
			Added:    c.Added,
			Modified: c.Modified,
			Removed:  c.Removed,
		})
	}

	return forgetypes.PushEventContext{
		RepoFullName: repoFullName,
		Owner:        owner,
		Name:         name,
		Actor:        actorLogin,
		CreatedAt:    createdAt,
		BeforeSHA:    push.GetBefore(),
		AfterSHA:     push.GetAfter(),
		HeadSHA:      push.GetHead(),
		Commits:      commits,
	}, true
}
