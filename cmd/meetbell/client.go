package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"meetbell/internal/httpapi"
)

// client calls the daemon's control API.
type client struct {
	base  string
	token string
	http  *http.Client
}

func newClient() *client {
	base := strings.TrimRight(apiAddr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &client{base: base, token: apiToken, http: &http.Client{Timeout: 30 * time.Second}}
}

// call sends body as JSON and decodes the reply's data into out (if non-nil).
func (c *client) call(ctx context.Context, method, path string, body, out any) (httpapi.Response, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return httpapi.Response{}, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return httpapi.Response{}, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

// upload posts the file at path as multipart field "file".
func (c *client) upload(ctx context.Context, path string, out any) (httpapi.Response, error) {
	f, err := os.Open(path)
	if err != nil {
		return httpapi.Response{}, err
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return httpapi.Response{}, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return httpapi.Response{}, err
	}
	if err := mw.Close(); err != nil {
		return httpapi.Response{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/ringtones", &buf)
	if err != nil {
		return httpapi.Response{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req, out)
}

func (c *client) do(req *http.Request, out any) (httpapi.Response, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return httpapi.Response{}, fmt.Errorf("daemon not reachable at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	var r httpapi.Response
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&r); err != nil {
		return httpapi.Response{}, fmt.Errorf("%s %s: HTTP %d: unreadable reply: %w", req.Method, req.URL.Path, resp.StatusCode, err)
	}
	if !r.OK {
		msg := r.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return r, errors.New(msg)
	}
	if out != nil && len(r.Data) > 0 {
		if err := json.Unmarshal(r.Data, out); err != nil {
			return r, fmt.Errorf("decode reply: %w", err)
		}
	}
	return r, nil
}
