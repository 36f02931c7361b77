package originclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strconv"
)

// PresignResponse carries a time-boxed write credential.
type PresignResponse struct {
	PresignedURL string `json:"presigned_url"`
	FileKey      string `json:"file_key"`
	ExpiresAt    string `json:"expires_at,omitempty"`
}

// Presign requests a write credential scoped to the file's type, length and name.
func (c *Client) Presign(ctx context.Context, contentType string, size int64, filename string) (*PresignResponse, error) {
	q := url.Values{}
	q.Set("content_type", contentType)
	q.Set("content_length", formatInt(size))
	q.Set("filename", filename)

	var out PresignResponse
	if err := c.getJSON(ctx, c.BaseURL+"/presign?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	if out.PresignedURL == "" || out.FileKey == "" {
		return nil, fmt.Errorf("presign response missing url or key")
	}
	return &out, nil
}

// Put writes body directly to object storage using a presigned URL.
func (c *Client) Put(ctx context.Context, presignedURL string, body io.Reader, contentType string, size int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, presignedURL, body)
	if err != nil {
		return err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", contentType)

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if !isSuccess(resp.StatusCode) {
		return &StatusError{StatusCode: resp.StatusCode, Message: "storage write rejected"}
	}
	return nil
}

// CompleteRequest confirms a finished direct write.
type CompleteRequest struct {
	FileKey      string `json:"file_key"`
	Filename     string `json:"filename"`
	ContentType  string `json:"content_type"`
	ResourceType string `json:"resource_type"`
	Quick        bool   `json:"quick"`
}

// CompleteResponse is the origin's canonical view of the stored object.
type CompleteResponse struct {
	FileKey          string            `json:"file_key"`
	URLs             map[string]string `json:"urls"`
	VariantsPending  bool              `json:"variants_pending,omitempty"`
	IsVideo          bool              `json:"is_video,omitempty"`
	ModerationStatus string            `json:"moderation_status,omitempty"`
	AIJobID          ID                `json:"ai_job_id,omitempty"`
	Error            string            `json:"error,omitempty"`
}

// CompleteError is a non-success completion whose body was readable. The
// origin uses it to report content rejected during completion.
type CompleteError struct {
	StatusCode int
	Response   CompleteResponse
}

func (e *CompleteError) Error() string {
	msg := e.Response.Error
	if msg == "" {
		msg = fmt.Sprintf("unexpected status: %d", e.StatusCode)
	}
	return fmt.Sprintf("complete failed [%d]: %s", e.StatusCode, msg)
}

// Complete confirms the write. Non-success responses with a JSON body are
// returned as *CompleteError.
func (c *Client) Complete(ctx context.Context, in CompleteRequest) (*CompleteResponse, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, c.BaseURL+"/complete", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, mapError(ctx, err)
	}

	var out CompleteResponse
	decodeErr := json.Unmarshal(data, &out)

	if !isSuccess(resp.StatusCode) {
		if decodeErr == nil {
			return nil, &CompleteError{StatusCode: resp.StatusCode, Response: out}
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("unexpected status: %d", resp.StatusCode)}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to decode response: %w", decodeErr)
	}
	if out.FileKey == "" {
		out.FileKey = in.FileKey
	}
	return &out, nil
}

// ModerateRequest submits a stored object for classification.
type ModerateRequest struct {
	FileKey  string `json:"file_key"`
	ImageURL string `json:"image_url"`
	IsVideo  bool   `json:"is_video"`
}

// ModerationResult is either an immediate verdict or a task handle.
type ModerationResult struct {
	Status   string `json:"status,omitempty"`
	Severity string `json:"severity,omitempty"`
	Message  string `json:"message,omitempty"`
	TaskID   ID     `json:"task_id,omitempty"`
	AIJobID  ID     `json:"ai_job_id,omitempty"`
}

// Moderate queues or performs moderation.
func (c *Client) Moderate(ctx context.Context, in ModerateRequest) (*ModerationResult, error) {
	var out ModerationResult
	if err := c.postJSON(ctx, "/moderate", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ModerationStatus polls an asynchronous moderation task.
func (c *Client) ModerationStatus(ctx context.Context, taskID string) (*ModerationResult, error) {
	var out ModerationResult
	u := c.BaseURL + "/moderation-status?" + url.Values{"task_id": {taskID}}.Encode()
	if err := c.getJSON(ctx, u, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AIJobStatus reports progress of a content-generation job.
type AIJobStatus struct {
	Progress float64 `json:"progress"`
	Complete bool    `json:"complete"`
	Error    string  `json:"error,omitempty"`
}

// AIJob fetches the status of job id. 401/403/404 map to ErrUnauthorized,
// ErrForbidden and ErrNotFound.
func (c *Client) AIJob(ctx context.Context, id string) (*AIJobStatus, error) {
	var out AIJobStatus
	if err := c.getJSON(ctx, c.BaseURL+"/ai-job-status/"+url.PathEscape(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VariantsResponse lists generated derivative URLs.
type VariantsResponse struct {
	Success bool              `json:"success"`
	URLs    map[string]string `json:"urls"`
	Error   string            `json:"error,omitempty"`
}

// Variants triggers derivative generation and waits for its result.
func (c *Client) Variants(ctx context.Context, fileKey string) (*VariantsResponse, error) {
	var out VariantsResponse
	if err := c.postJSON(ctx, "/variants", map[string]string{"file_key": fileKey}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteRequest names an object to remove.
type DeleteRequest struct {
	FileKey string `json:"file_key"`
	IsVideo bool   `json:"is_video"`
}

// Delete removes a stored object.
func (c *Client) Delete(ctx context.Context, fileKey string, isVideo bool) error {
	return c.postJSON(ctx, "/delete", DeleteRequest{FileKey: fileKey, IsVideo: isVideo}, nil)
}

// DeleteForm sends the delete as a form post, the shape an unload beacon uses.
func (c *Client) DeleteForm(ctx context.Context, fileKey string, isVideo bool) error {
	form := url.Values{}
	form.Set("file_key", fileKey)
	form.Set("is_video", strconv.FormatBool(isVideo))

	req, err := c.newRequest(ctx, http.MethodPost, c.BaseURL+"/delete", bytes.NewBufferString(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.exchange(req, nil)
}

// SubmitResponse tells the page where to go next.
type SubmitResponse struct {
	RedirectURL string `json:"redirect_url"`
}

// Submit posts the final multipart form.
func (c *Client) Submit(ctx context.Context, fields map[string]string) (*SubmitResponse, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := mw.WriteField(k, fields[k]); err != nil {
			return nil, fmt.Errorf("failed to write field %s: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, c.BaseURL+"/submit", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out SubmitResponse
	if err := c.exchange(req, &out); err != nil {
		return nil, err
	}
	if out.RedirectURL == "" {
		return nil, fmt.Errorf("submit response missing redirect_url")
	}
	return &out, nil
}
