package main

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/Sternrassler/graph-export/internal/config"
	"github.com/Sternrassler/graph-export/internal/testutil"
	"github.com/Sternrassler/graph-export/pkg/blob"
	"github.com/Sternrassler/graph-export/pkg/model"
	"github.com/Sternrassler/graph-export/pkg/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_Subcommands(t *testing.T) {
	root := newRootCommand()

	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["run"])
	assert.True(t, names["status"])
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
	assert.NotNil(t, root.PersistentFlags().Lookup("reset"))
}

func TestPrintStatus(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewMemStore()
	require.NoError(t, db.UpsertMailbox(ctx, model.Mailbox{ID: "mb-1"}))
	require.NoError(t, db.UpsertMailbox(ctx, model.Mailbox{ID: "mb-2"}))
	require.NoError(t, db.MarkDone(ctx, model.ResourceTypeMailbox, "mb-1"))

	var out bytes.Buffer
	require.NoError(t, printStatus(ctx, &out, db))

	assert.Equal(t, "mailboxes: 2\nprocessed: 1\npending:   1\nmessages:  0\n", out.String())
}

type failingStats struct{}

func (failingStats) Stats(ctx context.Context) (store.Stats, error) {
	return store.Stats{}, errors.New("connection refused")
}

func (failingStats) Pending(ctx context.Context) ([]string, error) {
	return nil, nil
}

func TestPrintStatus_Error(t *testing.T) {
	var out bytes.Buffer
	assert.Error(t, printStatus(context.Background(), &out, failingStats{}))
	assert.Empty(t, out.String())
}

func TestOpenStorage_Local(t *testing.T) {
	cfg := &config.Config{Input: config.StorageConfig{Backend: config.BackendLocal, Path: t.TempDir()}}

	storage, err := openStorage(cfg)
	require.NoError(t, err)
	assert.IsType(t, &blob.LocalStore{}, storage)
}

func TestOpenLogSink(t *testing.T) {
	disabled, err := openLogSink(&config.Config{})
	require.NoError(t, err)
	assert.Nil(t, disabled)

	cfg := &config.Config{
		Input: config.StorageConfig{Backend: config.BackendLocal},
		Log:   config.LogConfig{Container: t.TempDir(), Blob: "run.log"},
	}
	sink, err := openLogSink(cfg)
	require.NoError(t, err)
	require.NotNil(t, sink)

	_, err = sink.Write([]byte(`{"level":"info"}` + "\n"))
	require.NoError(t, err)
	require.NoError(t, sink.Flush(context.Background()))
}

func TestOpenRedis_Disabled(t *testing.T) {
	client, err := openRedis(context.Background(), &config.Config{}, zerolog.Nop())
	require.NoError(t, err)
	assert.Nil(t, client)
}
