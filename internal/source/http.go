package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultMaxBodyBytes caps a single fetched body.
const DefaultMaxBodyBytes = 50 << 20

// NewHTTPClient returns the client used by the HTTP readers.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

func fetch(ctx context.Context, client *http.Client, rawURL, token string, maxBody int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", rawURL, resp.StatusCode)
	}

	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rawURL, err)
	}
	if int64(len(body)) > maxBody {
		return nil, fmt.Errorf("%w: %s is larger than %d bytes", ErrSourceTooLarge, rawURL, maxBody)
	}
	return body, nil
}

// URLReader reads links and external files by plain GET.
type URLReader struct {
	client  *http.Client
	maxBody int64
	logger  *slog.Logger
}

// NewURLReader creates a URLReader.
func NewURLReader(client *http.Client, maxBody int64, logger *slog.Logger) *URLReader {
	return &URLReader{client: client, maxBody: maxBody, logger: logger.With("component", "url_reader")}
}

// Read implements Reader.
func (r *URLReader) Read(ctx context.Context, desc Descriptor) (Document, error) {
	if desc.SourceID == "" {
		return Document{}, fmt.Errorf("%w: url", ErrMissingSourceRef)
	}
	body, err := fetch(ctx, r.client, desc.SourceID, "", r.maxBody)
	if err != nil {
		return Document{}, err
	}

	name := desc.SourceID
	if u, err := url.Parse(desc.SourceID); err == nil {
		name = u.Path
	}
	doc, err := Extract(name, body, desc.Selector)
	if err != nil {
		return Document{}, err
	}
	r.logger.DebugContext(ctx, "source read",
		"kind", desc.Kind,
		"external_file_id", desc.ExternalFileID,
		"bytes", len(body))
	return doc, nil
}

// APIFileReader reads files from the remote server of an API dataset.
type APIFileReader struct {
	client  *http.Client
	maxBody int64
}

// NewAPIFileReader creates an APIFileReader.
func NewAPIFileReader(client *http.Client, maxBody int64) *APIFileReader {
	return &APIFileReader{client: client, maxBody: maxBody}
}

type apiFileResponse struct {
	Title   string `json:"title"`
	RawText string `json:"rawText"`
}

// Read implements Reader. It calls GET {base}/v1/file/read?id={fileID} and
// expects a JSON body with title and rawText.
func (r *APIFileReader) Read(ctx context.Context, desc Descriptor) (Document, error) {
	if desc.APIServer == nil || desc.APIServer.BaseURL == "" {
		return Document{}, fmt.Errorf("%w: api server", ErrMissingSourceRef)
	}
	endpoint := strings.TrimRight(desc.APIServer.BaseURL, "/") + "/v1/file/read?id=" + url.QueryEscape(desc.SourceID)

	body, err := fetch(ctx, r.client, endpoint, desc.APIServer.AuthToken, r.maxBody)
	if err != nil {
		return Document{}, err
	}
	var resp apiFileResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Document{}, fmt.Errorf("decode api file %s: %w", desc.SourceID, err)
	}
	return Document{Title: resp.Title, RawText: resp.RawText}, nil
}
