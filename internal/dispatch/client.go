package dispatch

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
)

const (
	maxResponseBody = 64 * 1024
	RequestIDHeader = "X-Request-ID"
)

// Response is what the delivery endpoint answered.
type Response struct {
	StatusCode int
	Body       string
	RequestID  string
}

// Client posts form fields and files to url.
type Client interface {
	Post(ctx context.Context, url string, fields map[string]string, files map[string]File) (Response, error)
}

// HTTPClient streams a multipart/form-data request.
type HTTPClient struct {
	client *http.Client
}

func NewHTTPClient(client *http.Client) *HTTPClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPClient{client: client}
}

func (c *HTTPClient) Post(ctx context.Context, url string, fields map[string]string, files map[string]File) (Response, error) {
	reader, writer := io.Pipe()
	form := multipart.NewWriter(writer)
	go func() {
		writer.CloseWithError(writeMultipart(form, fields, files))
	}()

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		_ = reader.Close()
		return Response{}, fmt.Errorf("build dispatch request: %w", err)
	}
	requestID := uuid.NewString()
	request.Header.Set("Content-Type", form.FormDataContentType())
	request.Header.Set(RequestIDHeader, requestID)

	response, err := c.client.Do(request)
	if err != nil {
		return Response{RequestID: requestID}, fmt.Errorf("post %s: %w", url, err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBody))
	if err != nil {
		return Response{StatusCode: response.StatusCode, RequestID: requestID}, fmt.Errorf("read dispatch response: %w", err)
	}
	return Response{
		StatusCode: response.StatusCode,
		Body:       string(body),
		RequestID:  requestID,
	}, nil
}

func writeMultipart(form *multipart.Writer, fields map[string]string, files map[string]File) error {
	for _, key := range sortedKeys(fields) {
		if err := form.WriteField(key, fields[key]); err != nil {
			return err
		}
	}
	for _, key := range sortedKeys(files) {
		if err := copyFilePart(form, key, files[key].Path); err != nil {
			return err
		}
	}
	return form.Close()
}

func copyFilePart(form *multipart.Writer, field, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open artifact %s: %w", path, err)
	}
	defer file.Close()

	part, err := form.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("copy artifact %s: %w", path, err)
	}
	return nil
}

func sortedKeys[V any](values map[string]V) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
