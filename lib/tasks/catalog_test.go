/*
 * Kubelab
 * Copyright (C) 2025  Kubelab, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package tasks

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kubelab/kubelab/lib/backend/lite"
	"github.com/kubelab/kubelab/lib/session"
)

func newTestCatalog(t *testing.T) (*Catalog, *session.Store) {
	t.Helper()
	backend, err := lite.New(context.Background(), lite.Config{Memory: true})
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	return NewCatalog(backend), session.NewStore(backend)
}

func seedTasks(t *testing.T, catalog *Catalog, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, catalog.Upsert(context.Background(), Task{
			ID:         fmt.Sprintf("task-%02d", i),
			Title:      fmt.Sprintf("Task %d", i),
			Body:       "do the thing",
			Difficulty: "easy",
		}))
	}
}

func TestUpsertAndGet(t *testing.T) {
	catalog, _ := newTestCatalog(t)
	ctx := context.Background()

	task := Task{ID: "t1", Title: "Create a pod", Body: "...", Difficulty: "easy"}
	require.NoError(t, catalog.Upsert(ctx, task))

	got, err := catalog.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, task, *got)

	// upsert replaces
	task.Title = "Create a deployment"
	require.NoError(t, catalog.Upsert(ctx, task))
	got, err = catalog.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, "Create a deployment", got.Title)

	_, err = catalog.Get(ctx, "missing")
	require.Error(t, err)
}

func TestList(t *testing.T) {
	catalog, _ := newTestCatalog(t)
	seedTasks(t, catalog, 5)

	all, err := catalog.List(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 5)
}

func TestAssignRandom(t *testing.T) {
	catalog, _ := newTestCatalog(t)
	seedTasks(t, catalog, 30)
	ctx := context.Background()

	ids, err := catalog.AssignRandom(ctx, 20)
	require.NoError(t, err)
	require.Len(t, ids, 20)

	// no duplicates
	seen := make(map[string]bool)
	for _, id := range ids {
		require.False(t, seen[id], "duplicate %s", id)
		seen[id] = true
	}
}

func TestAssignRandomFewerThanRequested(t *testing.T) {
	catalog, _ := newTestCatalog(t)
	seedTasks(t, catalog, 3)

	ids, err := catalog.AssignRandom(context.Background(), 20)
	require.NoError(t, err)
	require.Len(t, ids, 3)
}

func TestRecordResultIsImmutable(t *testing.T) {
	catalog, store := newTestCatalog(t)
	seedTasks(t, catalog, 1)
	ctx := context.Background()

	sess, err := store.CreateReserved(ctx, "alice", "ckad-aaaa", 60, 8)
	require.NoError(t, err)

	result := Result{
		SessionID: sess.ID, TaskID: "task-00",
		Score: 0.5, ChecksPassed: 1, ChecksTotal: 2,
	}
	require.NoError(t, catalog.RecordResult(ctx, result))

	// a second result for the same (session, task) is rejected
	result.Score = 1.0
	require.Error(t, catalog.RecordResult(ctx, result))

	results, err := catalog.ResultsForSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, 0.5, results[0].Score)

	// the completed task was recorded on the session
	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"task-00"}, got.CompletedTasks)
}
