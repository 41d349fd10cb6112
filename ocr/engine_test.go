package ocr

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewHTTPEngineRequiresBaseURL(t *testing.T) {
	t.Setenv("OCR_API_BASE_URL", "")
	if _, err := NewHTTPEngine(); err == nil {
		t.Fatal("expected error without OCR_API_BASE_URL")
	}
}

func TestHTTPEngineRecognize(t *testing.T) {
	var gotLanguages string
	var gotImage []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/recognize" {
			http.NotFound(w, r)
			return
		}
		var req recognizeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotLanguages = req.Languages
		gotImage, _ = base64.StdEncoding.DecodeString(req.Image)
		_ = json.NewEncoder(w).Encode(recognizeResponse{Text: "Total: R$ 123,45"})
	}))
	defer srv.Close()

	t.Setenv("OCR_API_BASE_URL", srv.URL)
	engine, err := NewHTTPEngine()
	if err != nil {
		t.Fatalf("NewHTTPEngine: %v", err)
	}

	text, err := engine.Recognize(context.Background(), []byte{1, 2, 3}, "")
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if text != "Total: R$ 123,45" {
		t.Fatalf("text = %q", text)
	}
	if gotLanguages != DefaultLanguages {
		t.Fatalf("languages = %q, want %q", gotLanguages, DefaultLanguages)
	}
	if len(gotImage) != 3 || gotImage[0] != 1 {
		t.Fatalf("image bytes not forwarded: %v", gotImage)
	}
}

func TestHTTPEngineRecognizeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "tesseract crashed", http.StatusInternalServerError)
	}))
	defer srv.Close()

	t.Setenv("OCR_API_BASE_URL", srv.URL)
	engine, err := NewHTTPEngine()
	if err != nil {
		t.Fatalf("NewHTTPEngine: %v", err)
	}

	_, err = engine.Recognize(context.Background(), []byte{1}, "por")
	var rErr *RecognitionError
	if !errors.As(err, &rErr) {
		t.Fatalf("expected *RecognitionError, got %T: %v", err, err)
	}
	if rErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d", rErr.StatusCode)
	}
}

func TestHTTPEngineRecognizeTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	t.Setenv("OCR_API_BASE_URL", srv.URL)
	t.Setenv("OCR_TIMEOUT_SECONDS", "1")
	engine, err := NewHTTPEngine()
	if err != nil {
		t.Fatalf("NewHTTPEngine: %v", err)
	}

	start := time.Now()
	_, err = engine.Recognize(context.Background(), []byte{1}, "")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	var rErr *RecognitionError
	if !errors.As(err, &rErr) {
		t.Fatalf("expected *RecognitionError, got %T: %v", err, err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("timeout took too long: %s", elapsed)
	}
}

func TestHTTPEngineRecognizeCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	t.Setenv("OCR_API_BASE_URL", srv.URL)
	engine, err := NewHTTPEngine()
	if err != nil {
		t.Fatalf("NewHTTPEngine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	if _, err := engine.Recognize(ctx, []byte{1}, ""); err == nil {
		t.Fatal("expected cancellation error")
	}
}
