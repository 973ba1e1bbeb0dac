package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/auth"
	"collabtext/internal/config"
	"collabtext/internal/op"
	"collabtext/internal/oplog"
)

func TestReplayPrintsState(t *testing.T) {
	ctx := context.Background()
	log := oplog.NewMemoryStore()
	require.NoError(t, log.Create(ctx, "doc"))
	_, err := log.Append(ctx, "doc", op.Operation{
		ID: "o1", DocumentID: "doc", AuthorID: "alice", Kind: op.KindInsert,
		Stamp:   op.Stamp{Counter: 1, Author: "alice"},
		Payload: op.Payload{Field: "body", Edit: []op.Prim{op.Insert(0, "hello")}},
	}, 0)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, replay(ctx, log, "doc", &out))

	var got struct {
		Seq   uint64            `json:"seq"`
		Texts map[string]string `json:"texts"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, uint64(1), got.Seq)
	assert.Equal(t, "hello", got.Texts["body"])

	err = replay(ctx, log, "missing", &out)
	require.ErrorIs(t, err, op.ErrDocumentNotFound)
}

func TestNewAppInMemory(t *testing.T) {
	cfg := config.Default()
	cfg.InstanceID = "test"
	cfg.Snapshots.Enabled = true
	cfg.Snapshots.InMemory = true
	cfg.Auth.Grants = []auth.Grant{{Token: "t", UserID: "alice", Roles: []string{auth.RoleEditor}}}

	ctx := context.Background()
	a, err := newApp(ctx, cfg, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.coord.CreateDocument(ctx, "doc"))
	id, err := a.coord.Join(ctx, "alice", "doc", "t", nil)
	require.NoError(t, err)
	accepted, err := a.coord.Submit(ctx, id, op.Operation{
		ID: "o1", Kind: op.KindInsert,
		Payload: op.Payload{Field: "body", Edit: []op.Prim{op.Insert(0, "hi")}},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), accepted.Seq())
}

func TestDiscoveryConfigUsesListenPort(t *testing.T) {
	cfg := config.Default()
	cfg.InstanceID = "i1"
	cfg.ListenAddr = ":9090"
	assert.Equal(t, 9090, discoveryConfig(cfg).Port)

	cfg.Discovery.Port = 7000
	dc := discoveryConfig(cfg)
	assert.Equal(t, 7000, dc.Port)
	assert.Equal(t, "_collabtext._tcp", dc.Service)
	assert.Equal(t, "i1", dc.InstanceID)
}
