// internal/generation/client.go

// Package generation calls the backend functions that wrap the text, vision and face swap APIs.
package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Callable function names.
const (
	FnRandomItem       = "getRandomItem"
	FnIsItemInImage    = "isItemInImage"
	FnSwapFaces        = "swapFaces"
	FnHamshir          = "getHamshir"
	FnPersonalFeedback = "getPersonalQuestionFeedback"
)

var ErrCall = errors.New("generation: call failed")

// SwapResult is one face swapped target image, once per source portrait.
type SwapResult struct {
	URL1 string `json:"url1"`
	URL2 string `json:"url2"`
}

// FeedbackRequest carries a finished personal question round.
type FeedbackRequest struct {
	Question      string `json:"question"`
	Subject       string `json:"subject"`
	Guesser       string `json:"guesser"`
	SubjectAnswer string `json:"subjectAnswer"`
	GuesserGuess  string `json:"guesserGuess"`
}

// Client is what the mini-games need from the backend.
type Client interface {
	RandomItem(ctx context.Context) (string, error)
	IsItemInImage(ctx context.Context, item, imageBase64 string) (bool, error)
	SwapFaces(ctx context.Context) ([]SwapResult, error)
	Hamshir(ctx context.Context, item string) (string, error)
	PersonalFeedback(ctx context.Context, req FeedbackRequest) (string, error)
}

// HTTPClient speaks the callable function protocol: POST {base}/{name} with {"data": req},
// answered by {"result": resp} or {"error": {...}}.
type HTTPClient struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
	Limiter *rate.Limiter
	Log     *logrus.Logger
}

// NewHTTPClient builds a client allowing perSecond calls with a burst of the same size.
func NewHTTPClient(baseURL, token string, perSecond float64, logger *logrus.Logger) *HTTPClient {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	limit := rate.Inf
	burst := 1
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
		burst = int(perSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &HTTPClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 90 * time.Second},
		Limiter: rate.NewLimiter(limit, burst),
		Log:     logger,
	}
}

type callError struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (c *HTTPClient) call(ctx context.Context, name string, req, resp any) error {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if req == nil {
		req = struct{}{}
	}
	body, err := json.Marshal(map[string]any{"data": req})
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/"+name, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.Token)
	}

	start := time.Now()
	httpResp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCall, name, err)
	}
	defer httpResp.Body.Close()
	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("%w: %s: read body: %v", ErrCall, name, err)
	}
	c.Log.WithFields(logrus.Fields{
		"fn":       name,
		"status":   httpResp.StatusCode,
		"duration": time.Since(start),
	}).Debug("generation call")

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *callError      `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("%w: %s: status %d: undecodable body", ErrCall, name, httpResp.StatusCode)
	}
	if envelope.Error != nil {
		return fmt.Errorf("%w: %s: %s: %s", ErrCall, name, envelope.Error.Status, envelope.Error.Message)
	}
	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s: status %d", ErrCall, name, httpResp.StatusCode)
	}
	if err := json.Unmarshal(envelope.Result, resp); err != nil {
		return fmt.Errorf("%w: %s: decode result: %v", ErrCall, name, err)
	}
	return nil
}

func (c *HTTPClient) RandomItem(ctx context.Context) (string, error) {
	var out struct {
		Item string `json:"item"`
	}
	if err := c.call(ctx, FnRandomItem, nil, &out); err != nil {
		return "", err
	}
	return out.Item, nil
}

func (c *HTTPClient) IsItemInImage(ctx context.Context, item, imageBase64 string) (bool, error) {
	var out struct {
		IsPresent bool `json:"isPresent"`
	}
	req := map[string]string{"currentItem": item, "image": imageBase64}
	if err := c.call(ctx, FnIsItemInImage, req, &out); err != nil {
		return false, err
	}
	return out.IsPresent, nil
}

func (c *HTTPClient) SwapFaces(ctx context.Context) ([]SwapResult, error) {
	var out struct {
		Results []SwapResult `json:"results"`
	}
	if err := c.call(ctx, FnSwapFaces, nil, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func (c *HTTPClient) Hamshir(ctx context.Context, item string) (string, error) {
	var out struct {
		Response string `json:"response"`
	}
	if err := c.call(ctx, FnHamshir, map[string]string{"item": item}, &out); err != nil {
		return "", err
	}
	return out.Response, nil
}

func (c *HTTPClient) PersonalFeedback(ctx context.Context, req FeedbackRequest) (string, error) {
	var out struct {
		Response string `json:"response"`
	}
	if err := c.call(ctx, FnPersonalFeedback, req, &out); err != nil {
		return "", err
	}
	return out.Response, nil
}
