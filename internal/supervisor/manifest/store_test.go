package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prochub/prochub/internal/common/errors"
	"github.com/prochub/prochub/internal/common/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	store, err := NewStore(t.TempDir(), log)
	require.NoError(t, err)
	return store
}

func sampleManifest(id string) *Manifest {
	return &Manifest{
		ID:      id,
		Name:    "Sample " + id,
		Command: "/usr/bin/java",
		Args:    []string{"-jar", "server.jar", "nogui"},
		Env:     map[string]string{"JAVA_OPTS": "-Xmx2G"},
		Cwd:     "/srv/" + id,
	}
}

func TestStoreCreateGetRoundTrip(t *testing.T) {
	store := newTestStore(t)

	created, err := store.Create(sampleManifest("mc"))
	require.NoError(t, err)
	assert.False(t, created.CreatedAt.IsZero())

	got, err := store.Get("mc")
	require.NoError(t, err)
	assert.Equal(t, created, got)
	assert.Equal(t, []string{"-jar", "server.jar", "nogui"}, got.Args)
}

func TestStoreCreateDuplicate(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Create(sampleManifest("mc"))
	require.NoError(t, err)

	_, err = store.Create(sampleManifest("mc"))
	require.Error(t, err)
	appErr := errors.AsAppError(err)
	assert.Equal(t, errors.ErrCodeAlreadyExists, appErr.Code)
}

func TestStoreCreateInvalidID(t *testing.T) {
	store := newTestStore(t)

	m := sampleManifest("bad/id")
	_, err := store.Create(m)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.AsAppError(err).Code)
}

func TestStoreUpdatePreservesCreatedAt(t *testing.T) {
	store := newTestStore(t)

	created, err := store.Create(sampleManifest("mc"))
	require.NoError(t, err)

	updated := sampleManifest("mc")
	updated.Name = "Renamed"
	got, err := store.Update("mc", updated)
	require.NoError(t, err)

	assert.Equal(t, "Renamed", got.Name)
	assert.True(t, got.CreatedAt.Equal(created.CreatedAt))
}

func TestStoreUpdateUnknown(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Update("ghost", sampleManifest("ghost"))
	assert.True(t, errors.IsNotFound(err))
}

func TestStoreDelete(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Create(sampleManifest("mc"))
	require.NoError(t, err)
	require.NoError(t, store.Delete("mc"))

	_, err = store.Get("mc")
	assert.True(t, errors.IsNotFound(err))
	assert.True(t, errors.IsNotFound(store.Delete("mc")))
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "info", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	store, err := NewStore(dir, log)
	require.NoError(t, err)
	created, err := store.Create(sampleManifest("mc"))
	require.NoError(t, err)
	_, err = store.CreateGroup(&Group{ID: "games", Name: "Games", Color: "#ff0000"})
	require.NoError(t, err)

	reopened, err := NewStore(dir, log)
	require.NoError(t, err)

	got, err := reopened.Get("mc")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.True(t, created.CreatedAt.Equal(got.CreatedAt))

	groups := reopened.ListGroups()
	require.Len(t, groups, 1)
	assert.Equal(t, "#ff0000", groups[0].Color)
}

func TestStoreIgnoresCorruptEntries(t *testing.T) {
	dir := t.TempDir()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "info", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	store, err := NewStore(dir, log)
	require.NoError(t, err)
	_, err = store.Create(sampleManifest("good"))
	require.NoError(t, err)

	badDir := filepath.Join(dir, "services", "bad")
	require.NoError(t, os.MkdirAll(badDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(badDir, "service.json"), []byte("{truncated"), 0o644))

	reopened, err := NewStore(dir, log)
	require.NoError(t, err)

	list := reopened.List()
	require.Len(t, list, 1)
	assert.Equal(t, "good", list[0].ID)
}

func TestStoreListSorted(t *testing.T) {
	store := newTestStore(t)

	_, err := store.CreateGroup(&Group{ID: "a", Name: "A"})
	require.NoError(t, err)

	first := sampleManifest("zz")
	first.Group = "a"
	first.Order = 0
	second := sampleManifest("aa")
	second.Group = "a"
	second.Order = 1
	ungrouped := sampleManifest("mm")

	for _, m := range []*Manifest{second, ungrouped, first} {
		_, err := store.Create(m)
		require.NoError(t, err)
	}

	list := store.List()
	require.Len(t, list, 3)
	// Ungrouped sorts first (empty group), then group "a" by order.
	assert.Equal(t, "mm", list[0].ID)
	assert.Equal(t, "zz", list[1].ID)
	assert.Equal(t, "aa", list[2].ID)
}

func TestStoreReorder(t *testing.T) {
	store := newTestStore(t)

	_, err := store.CreateGroup(&Group{ID: "games", Name: "Games"})
	require.NoError(t, err)
	_, err = store.Create(sampleManifest("one"))
	require.NoError(t, err)
	_, err = store.Create(sampleManifest("two"))
	require.NoError(t, err)

	err = store.Reorder([]ReorderEntry{
		{ID: "one", Group: "games", Order: 2},
		{ID: "two", Group: "games", Order: 1},
	})
	require.NoError(t, err)

	list := store.List()
	assert.Equal(t, "two", list[0].ID)
	assert.Equal(t, "one", list[1].ID)

	err = store.Reorder([]ReorderEntry{{ID: "ghost", Order: 0}})
	assert.True(t, errors.IsNotFound(err))
}

func TestStoreSetSchedule(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Create(sampleManifest("mc"))
	require.NoError(t, err)

	got, err := store.SetSchedule("mc", &Schedule{
		Enabled:  true,
		CronExpr: "0 0 8 * * *",
		Action:   ActionRestart,
	})
	require.NoError(t, err)
	require.NotNil(t, got.Schedule)
	assert.Equal(t, ActionRestart, got.Schedule.Action)

	got, err = store.SetSchedule("mc", nil)
	require.NoError(t, err)
	assert.Nil(t, got.Schedule)
}

func TestStoreDeleteGroupDetachesServices(t *testing.T) {
	store := newTestStore(t)

	_, err := store.CreateGroup(&Group{ID: "games", Name: "Games"})
	require.NoError(t, err)

	m := sampleManifest("mc")
	m.Group = "games"
	_, err = store.Create(m)
	require.NoError(t, err)

	require.NoError(t, store.DeleteGroup("games"))

	got, err := store.Get("mc")
	require.NoError(t, err)
	assert.Empty(t, got.Group)
	assert.Empty(t, store.ListGroups())
}

func TestStoreReorderGroups(t *testing.T) {
	store := newTestStore(t)

	_, err := store.CreateGroup(&Group{ID: "a", Name: "A", Order: 0})
	require.NoError(t, err)
	_, err = store.CreateGroup(&Group{ID: "b", Name: "B", Order: 1})
	require.NoError(t, err)

	require.NoError(t, store.ReorderGroups(map[string]int{"a": 5, "b": 2}))

	groups := store.ListGroups()
	assert.Equal(t, "b", groups[0].ID)
	assert.Equal(t, "a", groups[1].ID)
}

func TestManifestSerializationRoundTrip(t *testing.T) {
	m := sampleManifest("mc")
	m.Schedule = &Schedule{Enabled: true, CronExpr: "0 */5 * * * *", Action: ActionStart, Timezone: "UTC"}
	m.CreatedAt = time.Now().UTC().Truncate(time.Second)
	m.UpdatedAt = m.CreatedAt

	data, err := json.Marshal(m)
	require.NoError(t, err)

	var decoded Manifest
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, *m.Schedule, *decoded.Schedule)
	assert.Equal(t, m.Env, decoded.Env)
}

func TestEffectiveShutdownCommand(t *testing.T) {
	m := sampleManifest("mc")
	assert.Equal(t, "stop", m.EffectiveShutdownCommand())
	m.ShutdownCommand = "quit"
	assert.Equal(t, "quit", m.EffectiveShutdownCommand())
}
