// Package server exposes the gateway's tool surface over MCP: list_doc
// enumerates the repositories visible to the caller's API key and read_doc
// serves one document by remotedoc:// URL.
package server

import (
	"context"
	"net/http"

	"github.com/alecthomas/errors"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/docgate/docgate/internal/auth"
	"github.com/docgate/docgate/internal/docurl"
	"github.com/docgate/docgate/internal/engine"
	"github.com/docgate/docgate/internal/logging"
)

const serverName = "docgate"

const instructions = `docgate serves Markdown documentation from a curated set of repositories.

Call list_doc first to discover the repositories your API key can read; each
entry carries a remotedoc:// URL for the repository's root document. Call
read_doc with any remotedoc:// URL to fetch a document. Relative links in
returned Markdown are rewritten to remotedoc:// URLs, so documents can be
navigated recursively by feeding link destinations back into read_doc.`

type Server struct {
	engine  *engine.Engine
	binding *auth.Binding
	version string
}

func New(eng *engine.Engine, binding *auth.Binding, version string) *Server {
	return &Server{engine: eng, binding: binding, version: version}
}

// Handler returns the MCP endpoint handler, wrapped in bearer-key
// authentication.
func (s *Server) Handler() http.Handler {
	mcpServer := mcp.NewServer(&mcp.Implementation{
		Name:    serverName,
		Version: s.version,
	}, &mcp.ServerOptions{Instructions: instructions})

	mcp.AddTool(mcpServer, &mcp.Tool{
		Name:        "list_doc",
		Description: "List the repositories visible to your API key: repo_name, repo_description, and the remotedoc:// URL of each repository's root document.",
	}, s.listDoc)

	mcp.AddTool(mcpServer, &mcp.Tool{
		Name:        "read_doc",
		Description: "Read a Markdown document through a remotedoc:// URL, e.g. remotedoc://owner/repo/branch/docs/guide.md. Relative links in the result are rewritten to remotedoc:// URLs.",
	}, s.readDoc)

	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpServer }, nil)
	return s.RequireAPIKey(handler)
}

type listDocInput struct{}

type listDocOutput struct {
	Docs []engine.Doc `json:"docs"`
}

func (s *Server) listDoc(ctx context.Context, _ *mcp.CallToolRequest, _ listDocInput) (*mcp.CallToolResult, listDocOutput, error) {
	apiKey, ok := APIKeyFromContext(ctx)
	if !ok {
		return nil, listDocOutput{}, errors.New("no API key on request")
	}

	docs, err := s.engine.List(ctx, apiKey)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidKey) {
			return nil, listDocOutput{}, errors.New("invalid or unknown API key")
		}
		logging.FromContext(ctx).ErrorContext(ctx, "list_doc failed", "error", err)
		return nil, listDocOutput{}, errors.New("failed to list documentation")
	}
	return nil, listDocOutput{Docs: docs}, nil
}

type readDocInput struct {
	URL string `json:"url" jsonschema:"remotedoc:// URL of the document to read"`
}

func (s *Server) readDoc(ctx context.Context, _ *mcp.CallToolRequest, input readDocInput) (*mcp.CallToolResult, any, error) {
	logger := logging.FromContext(ctx)

	apiKey, ok := APIKeyFromContext(ctx)
	if !ok {
		return nil, nil, errors.New("no API key on request")
	}

	docPath, err := docurl.Parse(input.URL)
	if err != nil {
		return nil, nil, errors.Wrap(err, "invalid URL format")
	}

	content, err := s.engine.Read(ctx, docPath, apiKey)
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrNotFound):
		return nil, nil, errors.Wrap(err, "document not found")
	case errors.Is(err, engine.ErrUnauthorized):
		return nil, nil, errors.Wrap(err, "not authorized")
	default:
		logger.ErrorContext(ctx, "read_doc failed", "url", input.URL, "error", err)
		return nil, nil, errors.Wrap(err, "failed to read document")
	}

	logger.DebugContext(ctx, "Read document", "url", input.URL, "bytes", len(content))
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: content}},
	}, nil, nil
}
