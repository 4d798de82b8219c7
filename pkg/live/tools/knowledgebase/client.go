// Package knowledgebase queries a document knowledge-base service and
// exposes it to the model as the query_knowledge_base tool.
package knowledgebase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
)

// Query types the service understands.
const (
	QueryText        = "text"
	QueryComparative = "comparative"
	QueryMultimodal  = "multimodal"
)

type Citation struct {
	CosineScore float64 `json:"cosine_score"`
	FileName    string  `json:"file_name"`
	PageNum     int     `json:"page_num"`
	ChunkText   string  `json:"chunk_text,omitempty"`
	Text        string  `json:"text,omitempty"`
	ChunkNumber int     `json:"chunk_number,omitempty"`
}

type ImageCitation struct {
	Citation
	ImagePath        string `json:"img_path"`
	ImageDescription string `json:"image_description,omitempty"`
}

// Result is the data member of a successful query.
type Result struct {
	Response       string                   `json:"response"`
	TextCitations  map[string]Citation      `json:"text_citations,omitempty"`
	ImageCitations map[string]ImageCitation `json:"image_citations,omitempty"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: httpClient,
	}
}

func (c *Client) Configured() bool {
	return c != nil && c.baseURL != ""
}

// Query posts {type, query} to /api/v1/query.
func (c *Client) Query(ctx context.Context, queryType, query string) (*Result, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("knowledge base url is not configured")
	}
	switch queryType {
	case QueryText, QueryComparative, QueryMultimodal:
	default:
		return nil, fmt.Errorf("unsupported query type %q", queryType)
	}
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query is required")
	}

	body, err := json.Marshal(map[string]string{"type": queryType, "query": query})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/query", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return nil, fmt.Errorf("knowledge base error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var decoded struct {
		Status  string  `json:"status"`
		Message string  `json:"message"`
		Data    *Result `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		ct := resp.Header.Get("Content-Type")
		if mt, _, _ := mime.ParseMediaType(ct); mt != "application/json" {
			return nil, fmt.Errorf("decode response (content type %q): %w", ct, err)
		}
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if decoded.Status != "success" {
		if decoded.Message == "" {
			decoded.Message = "Query failed"
		}
		return nil, fmt.Errorf("%s", decoded.Message)
	}
	if decoded.Data == nil {
		return &Result{}, nil
	}
	return decoded.Data, nil
}
