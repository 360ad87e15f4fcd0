package whisper

import (
	"context"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sentinelvoice/sentinel/pkg/provider/stt"
)

func TestTranscribeSubmitsWAVAndFields(t *testing.T) {
	t.Parallel()

	var gotFields map[string]string
	var gotWAVLen int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/inference" {
			t.Errorf("path = %q, want /inference", r.URL.Path)
		}
		_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil {
			t.Fatalf("parse content type: %v", err)
		}
		mr := multipart.NewReader(r.Body, params["boundary"])
		gotFields = map[string]string{}
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatalf("next part: %v", err)
			}
			data, _ := io.ReadAll(part)
			if part.FormName() == "file" {
				gotWAVLen = len(data)
				continue
			}
			gotFields[part.FormName()] = string(data)
		}
		w.Write([]byte(`{"text": " the price is too high \n"}`))
	}))
	defer srv.Close()

	p, err := New(srv.URL, WithLanguage("en"), WithModel("base.en"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	text, err := p.Transcribe(context.Background(), stt.Request{
		Samples:       make([]float32, 16000),
		SampleRate:    16000,
		InitialPrompt: "previous utterance tail",
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "the price is too high" {
		t.Errorf("text = %q, want trimmed transcript", text)
	}

	// 1s of 16 kHz mono 16-bit plus the 44-byte WAV header.
	if gotWAVLen != 16000*2+44 {
		t.Errorf("wav length = %d, want %d", gotWAVLen, 16000*2+44)
	}
	wantFields := map[string]string{
		"temperature":                "0",
		"beam_size":                  "1",
		"condition_on_previous_text": "false",
		"language":                   "en",
		"model":                      "base.en",
		"prompt":                     "previous utterance tail",
	}
	for k, want := range wantFields {
		if gotFields[k] != want {
			t.Errorf("field %s = %q, want %q", k, gotFields[k], want)
		}
	}
}

func TestTranscribeEmptyWindowSkipsRequest(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("server should not be called for an empty window")
	}))
	defer srv.Close()

	p, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	text, err := p.Transcribe(context.Background(), stt.Request{SampleRate: 16000})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "" {
		t.Errorf("text = %q, want empty", text)
	}
}

func TestTranscribeServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.Transcribe(context.Background(), stt.Request{
		Samples:    make([]float32, 160),
		SampleRate: 16000,
	})
	if err == nil || !strings.Contains(err.Error(), "HTTP 500") {
		t.Errorf("err = %v, want HTTP 500 error", err)
	}
}

func TestNewRequiresServerURL(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Error("New accepted empty server URL")
	}
}
