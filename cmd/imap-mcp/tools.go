package main

import (
	"context"
	"encoding/json"
	"strconv"

	imap "github.com/BrianLeishman/imap-mcp"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// mailbox is the part of *imap.Bridge the tools call.
type mailbox interface {
	Whoami() string
	ListMailboxes(ctx context.Context, directory string, pattern string) ([]imap.FolderDescriptor, error)
	MailboxStatus(ctx context.Context, directory string) (imap.FolderStatus, error)
	Search(ctx context.Context, directory string, criteria string) ([]int, error)
	GetHeader(ctx context.Context, directory string, uids []int) (map[int]imap.MessageHeaders, error)
	GetText(ctx context.Context, directory string, uids []int) (map[int]*string, error)
	GetHTML(ctx context.Context, directory string, uids []int) (map[int]*string, error)
	GetSize(ctx context.Context, directory string, uids []int) (map[int]int64, error)
}

type whoamiInput struct{}

type listMailboxesInput struct {
	Directory string `json:"directory,omitempty" jsonschema:"reference name the pattern is relative to, empty for the top level"`
	Pattern   string `json:"pattern,omitempty" jsonschema:"mailbox pattern, * matches any hierarchy and % one level, defaults to *"`
}

type statusInput struct {
	Directory string `json:"directory" jsonschema:"mailbox name, for example INBOX"`
}

type searchInput struct {
	Directory string `json:"directory,omitempty" jsonschema:"mailbox to search, defaults to INBOX"`
	Criteria  string `json:"criteria,omitempty" jsonschema:"IMAP SEARCH criteria such as UNSEEN or FROM \"alice\", defaults to ALL"`
}

type fetchInput struct {
	Directory string `json:"directory" jsonschema:"mailbox the UIDs were found in"`
	UIDs      []int  `json:"uids" jsonschema:"message UIDs returned by search"`
}

type tools struct {
	box mailbox
}

func newServer(box mailbox) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "imap-mcp", Version: version}, nil)
	t := &tools{box: box}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "whoami",
		Description: "Return the login of the configured mailbox account.",
	}, t.whoami)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_mailboxes",
		Description: "List mailboxes (folders) matching a pattern.",
	}, t.listMailboxes)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "mailboxes_status",
		Description: "Return the message, recent and unseen counts of a mailbox.",
	}, t.mailboxStatus)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "search",
		Description: "Search a mailbox and return the UIDs of matching messages.",
	}, t.search)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_header",
		Description: "Return the decoded headers of messages, keyed by UID.",
	}, t.getHeader)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_text",
		Description: "Return the plain text body of messages, keyed by UID. null means the message has no text part.",
	}, t.getText)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_html",
		Description: "Return the HTML body of messages, keyed by UID. null means the message has no HTML part.",
	}, t.getHTML)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_size",
		Description: "Return the size in bytes of messages, keyed by UID.",
	}, t.getSize)

	return server
}

// jsonResult renders v as the tool's text content.
func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(b)}},
	}, nil, nil
}

func byUID[V any](m map[int]V) map[string]V {
	out := make(map[string]V, len(m))
	for uid, v := range m {
		out[strconv.Itoa(uid)] = v
	}
	return out
}

func (t *tools) whoami(ctx context.Context, req *mcp.CallToolRequest, in whoamiInput) (*mcp.CallToolResult, any, error) {
	return jsonResult(map[string]string{"login": t.box.Whoami()})
}

func (t *tools) listMailboxes(ctx context.Context, req *mcp.CallToolRequest, in listMailboxesInput) (*mcp.CallToolResult, any, error) {
	folders, err := t.box.ListMailboxes(ctx, in.Directory, in.Pattern)
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(map[string]any{"mailboxes": folders})
}

func (t *tools) mailboxStatus(ctx context.Context, req *mcp.CallToolRequest, in statusInput) (*mcp.CallToolResult, any, error) {
	status, err := t.box.MailboxStatus(ctx, in.Directory)
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(status)
}

func (t *tools) search(ctx context.Context, req *mcp.CallToolRequest, in searchInput) (*mcp.CallToolResult, any, error) {
	uids, err := t.box.Search(ctx, in.Directory, in.Criteria)
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(map[string]any{"uids": uids})
}

func (t *tools) getHeader(ctx context.Context, req *mcp.CallToolRequest, in fetchInput) (*mcp.CallToolResult, any, error) {
	headers, err := t.box.GetHeader(ctx, in.Directory, in.UIDs)
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(byUID(headers))
}

func (t *tools) getText(ctx context.Context, req *mcp.CallToolRequest, in fetchInput) (*mcp.CallToolResult, any, error) {
	bodies, err := t.box.GetText(ctx, in.Directory, in.UIDs)
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(byUID(bodies))
}

func (t *tools) getHTML(ctx context.Context, req *mcp.CallToolRequest, in fetchInput) (*mcp.CallToolResult, any, error) {
	bodies, err := t.box.GetHTML(ctx, in.Directory, in.UIDs)
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(byUID(bodies))
}

func (t *tools) getSize(ctx context.Context, req *mcp.CallToolRequest, in fetchInput) (*mcp.CallToolResult, any, error) {
	sizes, err := t.box.GetSize(ctx, in.Directory, in.UIDs)
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(byUID(sizes))
}
