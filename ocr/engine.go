package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultLanguages is what the recognition engine is asked for when the
// caller does not specify: Portuguese receipts with English fallback.
const DefaultLanguages = "por+eng"

const defaultTimeoutSeconds = 30

// Engine abstracts the external text recognition service so the pipeline
// can be tested with a stub.
type Engine interface {
	Recognize(ctx context.Context, image []byte, languages string) (string, error)
}

// RecognitionError wraps engine failures so callers can distinguish them
// from validation or storage problems.
type RecognitionError struct {
	StatusCode int
	Message    string
	Cause      error
}

func (e *RecognitionError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("recognition failed (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("recognition failed: %s", e.Message)
}

func (e *RecognitionError) Unwrap() error {
	return e.Cause
}

// HTTPEngine talks to a Tesseract sidecar over HTTP.
type HTTPEngine struct {
	baseURL string
	http    *http.Client
}

func NewHTTPEngine() (*HTTPEngine, error) {
	baseURL := strings.TrimSpace(os.Getenv("OCR_API_BASE_URL"))
	if baseURL == "" {
		return nil, errors.New("OCR_API_BASE_URL is required")
	}

	timeoutSeconds := defaultTimeoutSeconds
	if v := strings.TrimSpace(os.Getenv("OCR_TIMEOUT_SECONDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			timeoutSeconds = n
		}
	}

	return &HTTPEngine{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: time.Duration(timeoutSeconds) * time.Second},
	}, nil
}

type recognizeRequest struct {
	Image     string `json:"image"`
	Languages string `json:"languages"`
}

type recognizeResponse struct {
	Text string `json:"text"`
}

func (e *HTTPEngine) Recognize(ctx context.Context, image []byte, languages string) (string, error) {
	if languages == "" {
		languages = DefaultLanguages
	}

	payload, err := json.Marshal(recognizeRequest{
		Image:     base64.StdEncoding.EncodeToString(image),
		Languages: languages,
	})
	if err != nil {
		return "", &RecognitionError{Message: "failed to encode request", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/recognize", bytes.NewReader(payload))
	if err != nil {
		return "", &RecognitionError{Message: "failed to build request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := e.http.Do(req)
	if err != nil {
		return "", &RecognitionError{Message: err.Error(), Cause: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &RecognitionError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
		}
	}

	var parsed recognizeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", &RecognitionError{Message: "failed to decode response", Cause: err}
	}
	return parsed.Text, nil
}
