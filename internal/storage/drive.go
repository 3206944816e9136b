package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/dmitrijs2005/podsync/internal/common"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
)

const (
	DefaultDriveBaseURL   = "https://www.googleapis.com/drive/v3"
	DefaultDriveUploadURL = "https://www.googleapis.com/upload/drive/v3"

	folderMimeType = "application/vnd.google-apps.folder"
	podMimeType    = "application/json"
)

// DriveFile is the subset of file metadata podsync reads.
type DriveFile struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	ModifiedTime time.Time `json:"modifiedTime"`
}

func fromDrive(f *drive.File) (DriveFile, error) {
	out := DriveFile{ID: f.Id, Name: f.Name}
	if f.ModifiedTime == "" {
		return out, nil
	}
	t, err := time.Parse(time.RFC3339Nano, f.ModifiedTime)
	if err != nil {
		return out, fmt.Errorf("file %s: bad modifiedTime %q: %w", f.Id, f.ModifiedTime, err)
	}
	out.ModifiedTime = t.UTC()
	return out, nil
}

// DriveClient talks to a Drive-style REST file API. Every call takes the
// bearer token explicitly so the caller controls refresh and retry.
//
// Failures are classified by HTTP status: 401 is common.ErrAuthExpired,
// 404 is common.ErrRemoteNotFound, a transport failure is
// common.ErrNetworkUnavailable and anything else is a *common.RemoteError.
type DriveClient struct {
	http      *http.Client
	baseURL   string
	uploadURL string
}

func NewDriveClient(httpClient *http.Client, baseURL, uploadURL string) *DriveClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if baseURL == "" {
		baseURL = DefaultDriveBaseURL
	}
	if uploadURL == "" {
		uploadURL = DefaultDriveUploadURL
	}
	return &DriveClient{
		http:      httpClient,
		baseURL:   strings.TrimRight(baseURL, "/"),
		uploadURL: strings.TrimRight(uploadURL, "/"),
	}
}

// FindOrCreateFolder returns the id of the folder called name, creating it
// in the drive root if it does not exist.
func (c *DriveClient) FindOrCreateFolder(ctx context.Context, token, name string) (string, error) {
	q := fmt.Sprintf("name = '%s' and mimeType = '%s' and trashed = false", escapeQuery(name), folderMimeType)
	files, err := c.list(ctx, token, q)
	if err != nil {
		return "", err
	}
	if len(files) > 0 {
		return files[0].ID, nil
	}

	body, err := json.Marshal(&drive.File{Name: name, MimeType: folderMimeType})
	if err != nil {
		return "", err
	}

	var created drive.File
	err = c.do(ctx, token, "create folder", http.MethodPost, c.baseURL+"/files?fields=id,name",
		"application/json", bytes.NewReader(body), &created)
	if err != nil {
		return "", err
	}
	return created.Id, nil
}

// CreateFile uploads a new file with metadata and content in one multipart
// request.
func (c *DriveClient) CreateFile(ctx context.Context, token, folderID, name string, content []byte) (DriveFile, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	meta := &drive.File{Name: name, MimeType: podMimeType}
	if folderID != "" {
		meta.Parents = []string{folderID}
	}
	metaPart, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"application/json; charset=UTF-8"}})
	if err != nil {
		return DriveFile{}, err
	}
	if err := json.NewEncoder(metaPart).Encode(meta); err != nil {
		return DriveFile{}, err
	}

	dataPart, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {podMimeType}})
	if err != nil {
		return DriveFile{}, err
	}
	if _, err := dataPart.Write(content); err != nil {
		return DriveFile{}, err
	}
	if err := mw.Close(); err != nil {
		return DriveFile{}, err
	}

	var created drive.File
	err = c.do(ctx, token, "create file", http.MethodPost,
		c.uploadURL+"/files?uploadType=multipart&fields=id,name,modifiedTime",
		"multipart/related; boundary="+mw.Boundary(), &buf, &created)
	if err != nil {
		return DriveFile{}, err
	}
	return fromDrive(&created)
}

// UpdateContent replaces a file's content with a media upload.
func (c *DriveClient) UpdateContent(ctx context.Context, token, fileID string, content []byte) (DriveFile, error) {
	var updated drive.File
	err := c.do(ctx, token, "update file", http.MethodPatch,
		c.uploadURL+"/files/"+url.PathEscape(fileID)+"?uploadType=media&fields=id,name,modifiedTime",
		podMimeType, bytes.NewReader(content), &updated)
	if err != nil {
		return DriveFile{}, err
	}
	return fromDrive(&updated)
}

// Download returns a file's content.
func (c *DriveClient) Download(ctx context.Context, token, fileID string) ([]byte, error) {
	var b []byte
	err := c.do(ctx, token, "read file", http.MethodGet,
		c.baseURL+"/files/"+url.PathEscape(fileID)+"?alt=media", "", nil, &b)
	return b, err
}

// ModifiedTime reads only the file's modification timestamp.
func (c *DriveClient) ModifiedTime(ctx context.Context, token, fileID string) (time.Time, error) {
	var f drive.File
	err := c.do(ctx, token, "file metadata", http.MethodGet,
		c.baseURL+"/files/"+url.PathEscape(fileID)+"?fields=modifiedTime", "", nil, &f)
	if err != nil {
		return time.Time{}, err
	}
	df, err := fromDrive(&f)
	return df.ModifiedTime, err
}

// ListFolder lists the non-trashed files in a folder.
func (c *DriveClient) ListFolder(ctx context.Context, token, folderID string) ([]DriveFile, error) {
	return c.list(ctx, token, fmt.Sprintf("'%s' in parents and trashed = false", escapeQuery(folderID)))
}

func (c *DriveClient) Delete(ctx context.Context, token, fileID string) error {
	return c.do(ctx, token, "delete file", http.MethodDelete,
		c.baseURL+"/files/"+url.PathEscape(fileID), "", nil, nil)
}

func (c *DriveClient) list(ctx context.Context, token, q string) ([]DriveFile, error) {
	v := url.Values{}
	v.Set("q", q)
	v.Set("fields", "files(id,name,modifiedTime)")
	v.Set("spaces", "drive")

	var res drive.FileList
	if err := c.do(ctx, token, "list files", http.MethodGet, c.baseURL+"/files?"+v.Encode(), "", nil, &res); err != nil {
		return nil, err
	}
	out := make([]DriveFile, 0, len(res.Files))
	for _, f := range res.Files {
		df, err := fromDrive(f)
		if err != nil {
			return nil, err
		}
		out = append(out, df)
	}
	return out, nil
}

// do performs one request. out may be nil (discard), *[]byte (raw body) or
// a pointer to a JSON-decodable value.
func (c *DriveClient) do(ctx context.Context, token, op, method, rawURL, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return fmt.Errorf("%s: %w: %v", op, common.ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	if err := classifyResponse(op, resp); err != nil {
		return err
	}

	switch v := out.(type) {
	case nil:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	case *[]byte:
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%s: %w: %v", op, common.ErrNetworkUnavailable, err)
		}
		*v = b
		return nil
	default:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("%s: decode response: %w", op, err)
		}
		return nil
	}
}

func classifyResponse(op string, resp *http.Response) error {
	err := googleapi.CheckResponse(resp)
	if err == nil {
		return nil
	}

	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return &common.RemoteError{Op: op, StatusCode: resp.StatusCode, Message: err.Error()}
	}
	switch gerr.Code {
	case http.StatusUnauthorized:
		return fmt.Errorf("%s: %w", op, common.ErrAuthExpired)
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, common.ErrRemoteNotFound)
	}

	msg := gerr.Message
	if msg == "" {
		msg = strings.TrimSpace(gerr.Body)
	}
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return &common.RemoteError{Op: op, StatusCode: gerr.Code, Message: msg}
}

func escapeQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}
