package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iammorganparry/recall/internal/archive"
	"github.com/iammorganparry/recall/internal/embedding"
	"github.com/iammorganparry/recall/internal/extract"
	"github.com/iammorganparry/recall/internal/memory"
	"github.com/iammorganparry/recall/internal/restore"
	"github.com/iammorganparry/recall/internal/search"
	"github.com/iammorganparry/recall/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(store.Options{DataDir: t.TempDir(), Driver: store.DriverPureGo, Dimension: 16})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	emb := embedding.NewService(embedding.NewHashProvider(16), embedding.Config{Dimension: 16}, logger)
	engine := search.NewEngine(st)
	svc := memory.NewService(
		st, emb, engine,
		archive.NewPipeline(st, emb, extract.New(extract.DefaultConfig()), 0, logger),
		restore.NewBuilder(st, engine, emb, 0),
		logger,
	)
	return NewServer(svc, "test", logger)
}

type rpcReply struct {
	ID     any             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

func run(t *testing.T, s *Server, lines ...string) []rpcReply {
	t.Helper()
	var out bytes.Buffer
	require.NoError(t, s.Run(context.Background(), strings.NewReader(strings.Join(lines, "\n")), &out))

	var replies []rpcReply
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		var r rpcReply
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		replies = append(replies, r)
	}
	return replies
}

func toolText(t *testing.T, r rpcReply) (string, bool) {
	t.Helper()
	require.Nil(t, r.Error)
	var res CallToolResult
	require.NoError(t, json.Unmarshal(r.Result, &res))
	require.Len(t, res.Content, 1)
	return res.Content[0].Text, res.IsError
}

func TestHandshake(t *testing.T) {
	s := newTestServer(t)
	replies := run(t, s,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		``,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		`{"jsonrpc":"2.0","id":3,"method":"nope"}`,
		`not json`,
	)
	require.Len(t, replies, 4)

	var init InitializeResult
	require.NoError(t, json.Unmarshal(replies[0].Result, &init))
	assert.Equal(t, protocolVersion, init.ProtocolVersion)
	assert.Equal(t, "recall", init.ServerInfo.Name)

	var list ToolsListResult
	require.NoError(t, json.Unmarshal(replies[1].Result, &list))
	assert.Len(t, list.Tools, len(ToolDefinitions()))

	require.NotNil(t, replies[2].Error)
	assert.Equal(t, codeMethodNotFound, replies[2].Error.Code)
	require.NotNil(t, replies[3].Error)
	assert.Equal(t, codeParseError, replies[3].Error.Code)
}

func TestToolRoundTrip(t *testing.T) {
	s := newTestServer(t)
	replies := run(t, s,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"memory_store","arguments":{"content":"Backups rotate five deep next to the main file.","projectId":"p"}}}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"memory_search","arguments":{"query":"backups","projectId":"p"}}}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"memory_get","arguments":{"ids":[1,999]}}}`,
		`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"memory_delete","arguments":{"id":1}}}`,
		`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"memory_stats"}}`,
	)
	require.Len(t, replies, 5)

	text, isErr := toolText(t, replies[0])
	require.False(t, isErr, text)
	assert.Contains(t, text, `"id": 1`)

	text, isErr = toolText(t, replies[1])
	require.False(t, isErr, text)
	var hits []indexEntry
	require.NoError(t, json.Unmarshal([]byte(text), &hits))
	require.Len(t, hits, 1)
	assert.Equal(t, int64(1), hits[0].ID)
	assert.Equal(t, "p", hits[0].ProjectID)

	text, _ = toolText(t, replies[2])
	var frags []map[string]any
	require.NoError(t, json.Unmarshal([]byte(text), &frags))
	assert.Len(t, frags, 1)

	text, _ = toolText(t, replies[3])
	assert.Contains(t, text, `"deleted": false`)

	text, _ = toolText(t, replies[4])
	assert.Contains(t, text, `"fragmentCount": 1`)
}

func TestToolErrors(t *testing.T) {
	s := newTestServer(t)
	replies := run(t, s,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"memory_search","arguments":{"query":""}}}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"memory_forget"}}`,
	)
	require.Len(t, replies, 2)

	text, isErr := toolText(t, replies[0])
	assert.True(t, isErr)
	assert.Contains(t, text, "query is required")

	require.NotNil(t, replies[1].Error)
	assert.Equal(t, codeInvalidParams, replies[1].Error.Code)
}

func TestTruncateStr(t *testing.T) {
	assert.Equal(t, "a b", truncateStr("a\n\n b", 10))
	assert.Equal(t, "héll...", truncateStr("héllo world", 4))
}
