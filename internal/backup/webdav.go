package backup

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// webdavClient speaks the minimal WebDAV subset a backup target needs:
// GET, PUT and MKCOL with basic auth.
type webdavClient struct {
	baseURL    string
	remoteFile string // absolute path on the server, /a/b/backup.latest.tar.gz
	username   string
	password   string
	hc         *http.Client
}

// DefaultArchiveName is appended when the configured remote path is a
// directory (trailing slash).
const DefaultArchiveName = "backup.latest.tar.gz"

func newWebdavClient(baseURL, remotePath, username, password string) (*webdavClient, error) {
	remoteFile, err := normalizeRemotePath(remotePath)
	if err != nil {
		return nil, err
	}
	return &webdavClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		remoteFile: remoteFile,
		username:   username,
		password:   password,
		hc:         &http.Client{Timeout: 2 * time.Minute},
	}, nil
}

func normalizeRemotePath(remotePath string) (string, error) {
	remotePath = strings.TrimSpace(remotePath)
	if remotePath == "" {
		return "", fmt.Errorf("backup remote path is empty")
	}
	if !strings.HasPrefix(remotePath, "/") {
		remotePath = "/" + remotePath
	}
	if strings.HasSuffix(remotePath, "/") {
		remotePath += DefaultArchiveName
	}
	return remotePath, nil
}

func (c *webdavClient) url() string { return c.baseURL + c.remoteFile }

func (c *webdavClient) do(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(c.username, c.password)
	return c.hc.Do(req)
}

// download fetches the remote archive. A missing archive is not an error:
// ok is false and the caller skips the restore.
func (c *webdavClient) download(ctx context.Context) (data []byte, ok bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(), nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.StatusCode/100 != 2 {
		return nil, false, fmt.Errorf("webdav GET %s: http %d", c.remoteFile, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, err
	}
	return body, true, nil
}

func (c *webdavClient) upload(ctx context.Context, data []byte) error {
	c.ensureRemoteDirs(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.url(), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("webdav PUT %s: http %d", c.remoteFile, resp.StatusCode)
	}
	return nil
}

// ensureRemoteDirs issues MKCOL for each path segment leading to the archive.
// Best effort: 405/409 mean the collection already exists or the server
// handles hierarchy itself, and a failing MKCOL surfaces as a PUT error.
func (c *webdavClient) ensureRemoteDirs(ctx context.Context) {
	dir := c.remoteFile[:strings.LastIndex(c.remoteFile, "/")]
	if dir == "" {
		return
	}
	prefix := ""
	for _, part := range strings.Split(dir, "/") {
		if part == "" {
			continue
		}
		prefix += "/" + part
		req, err := http.NewRequestWithContext(ctx, "MKCOL", c.baseURL+prefix, nil)
		if err != nil {
			return
		}
		resp, err := c.do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
	}
}
