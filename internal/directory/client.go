package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"veil/internal/domain"
)

// Client talks JSON over HTTP to the directory/backup server.
type Client struct {
	Base string
	HTTP *http.Client
}

// NewClient returns a Client for the given base URL. httpClient may be nil,
// in which case http.DefaultClient is used; callers wanting timeouts supply
// their own.
func NewClient(base string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{Base: base, HTTP: httpClient}
}

func (c *Client) RegisterDevice(ctx context.Context, reg domain.Registration) (domain.RegisterResult, error) {
	var out domain.RegisterResult
	err := c.post(ctx, "/v1/register", reg, &out)
	return out, err
}

func (c *Client) FetchPreKeyBundle(ctx context.Context, user domain.UserID, device domain.DeviceID) (domain.PreKeyBundle, error) {
	path := "/v1/bundle/" + url.PathEscape(string(user))
	if device != "" {
		path += "?device=" + url.QueryEscape(string(device))
	}
	var out domain.PreKeyBundle
	if err := c.getJSON(ctx, path, &out); err != nil {
		if isNotFound(err) {
			return domain.PreKeyBundle{}, fmt.Errorf("%s: %w", user, domain.ErrNoPreKeyBundle)
		}
		return domain.PreKeyBundle{}, err
	}
	return out, nil
}

func (c *Client) LookupIdentityKey(ctx context.Context, user domain.UserID) (domain.X25519Public, error) {
	var out struct {
		IdentityKey domain.X25519Public `json:"identity_key"`
	}
	if err := c.getJSON(ctx, "/v1/identity/"+url.PathEscape(string(user)), &out); err != nil {
		if isNotFound(err) {
			return domain.X25519Public{}, fmt.Errorf("%s: %w", user, domain.ErrNoPreKeyBundle)
		}
		return domain.X25519Public{}, err
	}
	return out.IdentityKey, nil
}

func (c *Client) CountOneTimePreKeys(ctx context.Context, user domain.UserID, device domain.DeviceID) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	err := c.getJSON(ctx, c.prekeyPath(user, device)+"/count", &out)
	return out.Count, err
}

func (c *Client) UploadOneTimePreKeys(ctx context.Context, user domain.UserID, device domain.DeviceID, keys []domain.OneTimePreKeyPublic) error {
	return c.post(ctx, c.prekeyPath(user, device), keys, nil)
}

func (c *Client) UploadSignedPreKey(ctx context.Context, user domain.UserID, device domain.DeviceID, id domain.SignedPreKeyID, pub domain.X25519Public, sig []byte) error {
	body := struct {
		ID  domain.SignedPreKeyID `json:"id"`
		Pub domain.X25519Public   `json:"pub"`
		Sig []byte                `json:"sig"`
	}{ID: id, Pub: pub, Sig: sig}
	return c.post(ctx, c.prekeyPath(user, device)+"/signed", body, nil)
}

func (c *Client) TouchDevice(ctx context.Context, user domain.UserID, device domain.DeviceID) error {
	return c.post(ctx, c.devicePath(user, device)+"/active", struct{}{}, nil)
}

func (c *Client) DeregisterDevice(ctx context.Context, user domain.UserID, device domain.DeviceID) error {
	return c.do(ctx, http.MethodDelete, c.devicePath(user, device), nil, nil)
}

func (c *Client) GetDevices(ctx context.Context, user domain.UserID) ([]domain.DeviceInfo, error) {
	var out []domain.DeviceInfo
	err := c.getJSON(ctx, "/v1/devices/"+url.PathEscape(string(user)), &out)
	return out, err
}

func (c *Client) SendMessage(ctx context.Context, msg domain.EncryptedMessage) error {
	return c.post(ctx, "/v1/messages", msg, nil)
}

func (c *Client) FetchMessages(ctx context.Context, user domain.UserID, device domain.DeviceID, limit int) ([]domain.EncryptedMessage, error) {
	path := c.messagePath(user, device)
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []domain.EncryptedMessage
	err := c.getJSON(ctx, path, &out)
	return out, err
}

func (c *Client) AckMessages(ctx context.Context, user domain.UserID, device domain.DeviceID, count int) error {
	return c.post(ctx, c.messagePath(user, device)+"/ack", struct {
		Count int `json:"count"`
	}{Count: count}, nil)
}

func (c *Client) PutBackup(ctx context.Context, user domain.UserID, blob []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.Base+c.backupPath(user), bytes.NewReader(blob))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return statusErr(http.MethodPut, c.backupPath(user), resp)
}

func (c *Client) GetBackup(ctx context.Context, user domain.UserID) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Base+c.backupPath(user), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", user, domain.ErrNoBackup)
	}
	if err := statusErr(http.MethodGet, c.backupPath(user), resp); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) DeleteBackup(ctx context.Context, user domain.UserID) error {
	return c.do(ctx, http.MethodDelete, c.backupPath(user), nil, nil)
}

func (c *Client) HasBackup(ctx context.Context, user domain.UserID) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.Base+c.backupPath(user), nil)
	if err != nil {
		return false, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	return resp.StatusCode/100 == 2, statusErr(http.MethodHead, c.backupPath(user), resp)
}

// --- helpers ---

func (c *Client) prekeyPath(user domain.UserID, device domain.DeviceID) string {
	return "/v1/prekeys/" + url.PathEscape(string(user)) + "/" + url.PathEscape(string(device))
}

func (c *Client) devicePath(user domain.UserID, device domain.DeviceID) string {
	return "/v1/devices/" + url.PathEscape(string(user)) + "/" + url.PathEscape(string(device))
}

func (c *Client) messagePath(user domain.UserID, device domain.DeviceID) string {
	return "/v1/messages/" + url.PathEscape(string(user)) + "/" + url.PathEscape(string(device))
}

func (c *Client) backupPath(user domain.UserID) string {
	return "/v1/backup/" + url.PathEscape(string(user))
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	return c.do(ctx, http.MethodPost, path, in, out)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(in); err != nil {
			return err
		}
		body = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, c.Base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := statusErr(method, path, resp); err != nil {
		return err
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

type httpError struct {
	method string
	path   string
	code   int
	status string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("directory %s %s: %s", e.method, e.path, e.status)
}

func statusErr(method, path string, resp *http.Response) error {
	if resp.StatusCode/100 == 2 {
		return nil
	}
	return &httpError{method: method, path: path, code: resp.StatusCode, status: resp.Status}
}

func isNotFound(err error) bool {
	he, ok := err.(*httpError)
	return ok && he.code == http.StatusNotFound
}

var _ domain.DirectoryClient = (*Client)(nil)
