package network

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
)

type registerRequest struct {
	Key string `json:"key"`
}

type sessionRequest struct {
	RemoteKey string          `json:"key"`
	SessionID string          `json:"uploadId"`
	Parts     []CompletedPart `json:"parts,omitempty"`
}

// APIClient talks to the upload control-plane service over JSON.
type APIClient struct {
	httpClient  *retryablehttp.Client
	baseURL     string
	accessToken string
	logger      log.Logger
}

// NewAPIClient ...
func NewAPIClient(client *retryablehttp.Client, baseURL string, accessToken string, logger log.Logger) APIClient {
	return APIClient{
		httpClient:  client,
		baseURL:     baseURL,
		accessToken: accessToken,
		logger:      logger,
	}
}

// Initiate ...
func (c APIClient) Initiate(ctx context.Context, req InitiateRequest) (InitiateResponse, error) {
	var response InitiateResponse
	if err := c.call(ctx, "initiate", "/multipart/initiate", req, &response); err != nil {
		return InitiateResponse{}, err
	}
	if response.RemoteKey == "" {
		return InitiateResponse{}, NewError("initiate", KindTransient, errors.New("response without key"))
	}
	if response.SessionID == "" && !response.Dedup {
		return InitiateResponse{}, NewError("initiate", KindTransient, errors.New("response without upload id"))
	}
	return response, nil
}

// SignPart ...
func (c APIClient) SignPart(ctx context.Context, req SignPartRequest) (SignedURL, error) {
	var response SignedURL
	if err := c.call(ctx, "sign part", "/multipart/sign", req, &response); err != nil {
		return SignedURL{}, err
	}
	if response.URL == "" {
		return SignedURL{}, NewError("sign part", KindTransient, errors.New("response without url"))
	}
	if response.Method == "" {
		response.Method = http.MethodPut
	}
	return response, nil
}

// ListParts ...
func (c APIClient) ListParts(ctx context.Context, remoteKey, sessionID string) (ListPartsResponse, error) {
	var response ListPartsResponse
	err := c.call(ctx, "list parts", "/multipart/list", sessionRequest{RemoteKey: remoteKey, SessionID: sessionID}, &response)
	if err != nil {
		if IsKind(err, KindGone) {
			return ListPartsResponse{NoSuchUpload: true}, nil
		}
		return ListPartsResponse{}, err
	}
	return response, nil
}

// Complete ...
func (c APIClient) Complete(ctx context.Context, remoteKey, sessionID string, parts []CompletedPart) error {
	return c.call(ctx, "complete", "/multipart/complete", sessionRequest{RemoteKey: remoteKey, SessionID: sessionID, Parts: parts}, nil)
}

// Abort ...
func (c APIClient) Abort(ctx context.Context, remoteKey, sessionID string) error {
	return c.call(ctx, "abort", "/multipart/abort", sessionRequest{RemoteKey: remoteKey, SessionID: sessionID}, nil)
}

// Register hands a completed upload to downstream processing.
func (c APIClient) Register(ctx context.Context, remoteKey string) error {
	return c.call(ctx, "register", "/videos", registerRequest{Key: remoteKey}, nil)
}

func (c APIClient) call(ctx context.Context, op, path string, in, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, ControlTimeout)
	defer cancel()

	body, err := json.Marshal(in)
	if err != nil {
		return NewError(op, KindClient, err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return NewError(op, KindClient, err)
	}
	if c.accessToken != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	}
	req.Header.Set("Content-type", "application/json")

	dump, err := httputil.DumpRequest(req.Request, true)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.Debugf("%s request dump: %s", op, string(dump))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return NewError(op, KindAborted, err)
		}
		return NewError(op, KindTransient, err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			c.logger.Warnf("Failed to close response body: %s", err)
		}
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return unwrapError(op, resp)
	}
	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return NewError(op, KindTransient, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func unwrapError(op string, resp *http.Response) error {
	errorResp, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return NewError(op, ClassifyStatus(resp.StatusCode), err)
	}
	return NewStatusError(op, resp.StatusCode, bytes.TrimSpace(errorResp))
}
