package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/notecoder/internal/pipeline"
	"github.com/kalambet/notecoder/internal/storage"
)

const recentQuarantineURI = "notecoder://quarantine/recent"

// QuarantineLister reads quarantined model responses, newest first.
type QuarantineLister interface {
	ListQuarantined(ctx context.Context, limit, offset int) ([]storage.QuarantinedResponse, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Coder      Coder
	Quarantine QuarantineLister
}

// NewMCPServer creates an MCP server with the coding tools and resources registered.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"notecoder",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("notecoder suggests ICD-10, CPT and HCPCS codes for clinical notes using the clinic's own coding history."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("suggest_codes",
			mcp.WithDescription("Submit a clinical note and return suggested billing codes with confidence and reasoning."),
			mcp.WithString("note", mcp.Description("SOAP note text, at least 30 characters"), mcp.Required()),
			mcp.WithString("patient_id", mcp.Description("Existing patient id"), mcp.Required()),
			mcp.WithString("specialty", mcp.Description("Visit specialty, used to select comparable history")),
			mcp.WithString("visit_type", mcp.Description("Visit type, e.g. OFFICE_VISIT")),
			mcp.WithString("provider_id", mcp.Description("Provider id; defaults to the configured provider")),
			mcp.WithString("submitted_by", mcp.Description("Submitter email")),
		),
		mcpSuggestCodes(deps),
	)

	s.AddTool(
		mcp.NewTool("list_quarantine",
			mcp.WithDescription("List model responses that failed validation and were quarantined."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of entries (default 10)")),
			mcp.WithNumber("offset", mcp.Description("Number of entries to skip")),
		),
		mcpListQuarantine(deps),
	)

	s.AddResource(
		mcp.NewResource(
			recentQuarantineURI,
			"Recent Quarantine",
			mcp.WithResourceDescription("Last 10 quarantined model responses"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecentQuarantine(deps),
	)

	return s
}

func mcpSuggestCodes(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		note, err := req.RequireString("note")
		if err != nil {
			return mcpError("note is required"), nil
		}
		patientID, err := req.RequireString("patient_id")
		if err != nil {
			return mcpError("patient_id is required"), nil
		}

		res, err := deps.Coder.Generate(ctx, pipeline.GenerateRequest{
			Note:        note,
			PatientID:   patientID,
			Specialty:   req.GetString("specialty", ""),
			VisitType:   req.GetString("visit_type", ""),
			ProviderID:  req.GetString("provider_id", ""),
			SubmittedBy: req.GetString("submitted_by", ""),
		})
		switch {
		case errors.Is(err, pipeline.ErrValidation), errors.Is(err, pipeline.ErrPatientNotFound):
			return mcpError(err.Error()), nil
		case err != nil:
			return mcpError(fmt.Sprintf("coding failed: %v", err)), nil
		}

		b, err := json.Marshal(res)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListQuarantine(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 100 {
			limit = 100
		}
		offset := max(req.GetInt("offset", 0), 0)

		rows, err := deps.Quarantine.ListQuarantined(ctx, limit, offset)
		if err != nil {
			return mcpError(fmt.Sprintf("listing quarantine failed: %v", err)), nil
		}
		b, err := json.Marshal(viewQuarantined(rows))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal entries: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRecentQuarantine(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		rows, err := deps.Quarantine.ListQuarantined(ctx, 10, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list quarantine: %w", err)
		}

		views := viewQuarantined(rows)
		for i := range views {
			if utf8.RuneCountInString(views[i].RawResponse) > 200 {
				views[i].RawResponse = string([]rune(views[i].RawResponse)[:200]) + "..."
			}
		}
		b, err := json.Marshal(views)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal quarantine: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
