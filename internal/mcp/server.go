package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/iammorganparry/recall/internal/memory"
	"github.com/iammorganparry/recall/internal/models"
	"github.com/iammorganparry/recall/internal/store"
)

const protocolVersion = "2024-11-05"

const maxLine = 4 * 1024 * 1024

// Server implements an MCP stdio server backed by the memory service.
type Server struct {
	svc     *memory.Service
	version string
	logger  *slog.Logger
}

// NewServer creates a new MCP server.
func NewServer(svc *memory.Service, version string, logger *slog.Logger) *Server {
	return &Server{svc: svc, version: version, logger: logger}
}

// Run reads newline-delimited requests from r and writes responses to w.
// Blocks until r is exhausted or ctx is cancelled.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	enc := json.NewEncoder(w)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			if err := enc.Encode(errorResponse(nil, codeParseError, "parse error: "+err.Error())); err != nil {
				return err
			}
			continue
		}

		resp := s.handleRequest(ctx, &req)
		if resp == nil {
			continue
		}
		if err := enc.Encode(resp); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (s *Server) handleRequest(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case "initialize":
		return &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result: InitializeResult{
				ProtocolVersion: protocolVersion,
				Capabilities:    ServerCapabilities{Tools: &ToolCapabilities{}},
				ServerInfo:      ServerInfo{Name: "recall", Version: s.version},
			},
		}
	case "initialized", "notifications/initialized":
		return nil
	case "tools/list":
		return &Response{JSONRPC: "2.0", ID: req.ID, Result: ToolsListResult{Tools: ToolDefinitions()}}
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	case "ping":
		return &Response{JSONRPC: "2.0", ID: req.ID, Result: map[string]string{}}
	default:
		return errorResponse(req.ID, codeMethodNotFound, "method not found: "+req.Method)
	}
}

func (s *Server) handleToolsCall(ctx context.Context, req *Request) *Response {
	var params CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, codeInvalidParams, "invalid params: "+err.Error())
	}
	if len(params.Arguments) == 0 {
		params.Arguments = json.RawMessage("{}")
	}

	result, err := s.dispatchTool(ctx, params.Name, params.Arguments)
	if errors.Is(err, errUnknownTool) {
		return errorResponse(req.ID, codeInvalidParams, err.Error())
	}

	out := CallToolResult{}
	if err != nil {
		s.logger.Warn("mcp tool failed", "tool", params.Name, "error", err)
		out.Content = []ContentBlock{{Type: "text", Text: err.Error()}}
		out.IsError = true
	} else {
		data, _ := json.MarshalIndent(result, "", "  ")
		out.Content = []ContentBlock{{Type: "text", Text: string(data)}}
	}
	return &Response{JSONRPC: "2.0", ID: req.ID, Result: out}
}

var errUnknownTool = errors.New("unknown tool")

func (s *Server) dispatchTool(ctx context.Context, name string, raw json.RawMessage) (any, error) {
	switch name {
	case "memory_search":
		var args struct {
			Query         string `json:"query"`
			ProjectID     string `json:"projectId"`
			Limit         int    `json:"limit"`
			Mode          string `json:"mode"`
			IncludeGlobal *bool  `json:"includeGlobal"`
		}
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
		if args.Limit <= 0 {
			args.Limit = 5
		}
		resp, err := s.svc.Search(ctx, &models.SearchRequest{
			Query:         args.Query,
			ProjectID:     args.ProjectID,
			IncludeGlobal: args.IncludeGlobal == nil || *args.IncludeGlobal,
			Limit:         args.Limit,
			Mode:          models.SearchMode(args.Mode),
		})
		if err != nil {
			return nil, err
		}
		return searchIndex(resp), nil

	case "memory_get":
		var args struct {
			IDs []int64 `json:"ids"`
		}
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
		out := make([]*models.Fragment, 0, len(args.IDs))
		for _, id := range args.IDs {
			f, err := s.svc.GetByID(id)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			out = append(out, f)
		}
		return out, nil

	case "memory_store":
		var args struct {
			Content   string `json:"content"`
			ProjectID string `json:"projectId"`
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
		return s.svc.Store(ctx, &models.StoreRequest{
			Content:   args.Content,
			ProjectID: models.StringPtr(args.ProjectID),
			SessionID: args.SessionID,
		})

	case "memory_restore":
		var args struct {
			ProjectID   string `json:"projectId"`
			TokenBudget int    `json:"tokenBudget"`
		}
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
		return s.svc.Restore(ctx, &models.RestoreRequest{
			ProjectID:   models.StringPtr(args.ProjectID),
			TokenBudget: args.TokenBudget,
		})

	case "memory_delete":
		var args struct {
			ID      int64 `json:"id"`
			Confirm bool  `json:"confirm"`
		}
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
		return s.svc.Delete(args.ID, args.Confirm)

	case "memory_stats":
		return s.svc.Stats()

	default:
		return nil, fmt.Errorf("%w: %s", errUnknownTool, name)
	}
}

// indexEntry is the compact form of a search hit.
type indexEntry struct {
	ID         int64   `json:"id"`
	Score      float64 `json:"score"`
	Provenance string  `json:"provenance"`
	ProjectID  string  `json:"projectId,omitempty"`
	Preview    string  `json:"preview"`
}

func searchIndex(resp *models.SearchResponse) []indexEntry {
	out := make([]indexEntry, 0, len(resp.Results))
	for _, r := range resp.Results {
		out = append(out, indexEntry{
			ID:         r.Fragment.ID,
			Score:      r.Score,
			Provenance: r.Provenance,
			ProjectID:  models.Deref(r.Fragment.ProjectID),
			Preview:    truncateStr(r.Fragment.Content, 80),
		})
	}
	return out
}

func truncateStr(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n]) + "..."
}

func errorResponse(id any, code int, message string) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &RPCError{Code: code, Message: message},
	}
}
