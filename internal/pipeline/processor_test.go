package pipeline

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Gleato/rawthumb/internal/domain"
	"github.com/Gleato/rawthumb/internal/rawdec"
	"github.com/Gleato/rawthumb/internal/rawdec/rawdectest"
)

func TestProcessorEndToEnd(t *testing.T) {
	raw := rawdectest.TIFFRaw(t, rawdectest.Options{Width: 96, Height: 64})

	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(raw)
	}))
	defer source.Close()

	var uploadedType string
	var uploadedBytes int
	upload := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uploadedType = r.Header.Get("Content-Type")
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(r.Body)
		uploadedBytes = buf.Len()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"storageId":"st-42"}`))
	}))
	defer upload.Close()

	proc, err := NewProcessor(
		HTTPFetcher{},
		NewConverter(rawdec.NewDecoder(), 0),
		HTTPUploadEmitter{},
	)
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}

	outcome, err := proc.Process(context.Background(), Request{
		JobID:      "job-1",
		Source:     domain.SourceURL,
		RawFileURL: source.URL,
		UploadURL:  upload.URL,
		Options:    domain.ConversionOptions{TargetWidth: 48, TargetHeight: 48},
	})
	if err != nil {
		t.Fatalf("process returned error: %v", err)
	}

	if outcome.StorageID != "st-42" {
		t.Fatalf("expected storage id st-42, got %q", outcome.StorageID)
	}
	if outcome.Width != 48 || outcome.Height != 32 {
		t.Fatalf("expected 48x32 thumbnail, got %dx%d", outcome.Width, outcome.Height)
	}
	if outcome.SourceBytes != len(raw) {
		t.Fatalf("expected source bytes %d, got %d", len(raw), outcome.SourceBytes)
	}
	if outcome.SourcePixels != 96*64 {
		t.Fatalf("expected %d source pixels, got %d", 96*64, outcome.SourcePixels)
	}
	if uploadedType != "image/jpeg" {
		t.Fatalf("expected image/jpeg upload, got %q", uploadedType)
	}
	if uploadedBytes != outcome.OutputBytes {
		t.Fatalf("expected %d uploaded bytes, got %d", outcome.OutputBytes, uploadedBytes)
	}
}

func TestHTTPFetcherEnforcesByteLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(make([]byte, 2048))
	}))
	defer srv.Close()

	_, err := HTTPFetcher{LimitBytes: 1024}.Fetch(context.Background(), Request{RawFileURL: srv.URL})
	if !domain.IsKind(err, domain.KindPayloadTooLarge) {
		t.Fatalf("expected payload_too_large, got %v", err)
	}
}

func TestHTTPFetcherRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	if _, err := (HTTPFetcher{}).Fetch(context.Background(), Request{RawFileURL: srv.URL}); err == nil {
		t.Fatal("expected error for 404 source")
	}
}

func TestHTTPUploadEmitterRequiresStorageID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := HTTPUploadEmitter{}.Emit(context.Background(), Request{UploadURL: srv.URL}, Result{
		Data:        []byte("jpeg bytes"),
		ContentType: "image/jpeg",
	})
	if err == nil {
		t.Fatal("expected error when storageId is missing")
	}
}

func TestSanitizePathToken(t *testing.T) {
	if got := sanitizePathToken("../etc/passwd"); got != "___etc_passwd" {
		t.Fatalf("unexpected sanitized token %q", got)
	}
	if got := sanitizePathToken(""); got != "unknown" {
		t.Fatalf("expected unknown for empty token, got %q", got)
	}
}
