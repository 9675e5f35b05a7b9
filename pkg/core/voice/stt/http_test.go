package stt

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewHTTP_ConstructorsAndName(t *testing.T) {
	client := &http.Client{}
	p := NewHTTPWithClient("http://stt", "api-key", client)
	if p.httpClient != client {
		t.Fatal("expected custom http client to be set")
	}
	if p.Name() != "http" {
		t.Fatalf("name = %q, want http", p.Name())
	}

	defaultProvider := NewHTTP("http://stt", "api-key")
	if defaultProvider.httpClient == nil {
		t.Fatal("default provider should initialize http client")
	}
}

func TestTranscribe(t *testing.T) {
	var gotAuth, gotEncoding, gotRate, gotLang string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotEncoding = r.URL.Query().Get("encoding")
		gotRate = r.URL.Query().Get("sample_rate")
		gotLang = r.URL.Query().Get("language")
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"text":"نعم","language":"ar","confidence":0.94,"duration":1.2}`))
	}))
	defer srv.Close()

	p := NewHTTP(srv.URL, "stt-key")
	audio := []byte{1, 2, 3, 4}
	tr, err := p.Transcribe(context.Background(), bytes.NewReader(audio), TranscribeOptions{
		Format:     "pcm_mulaw",
		SampleRate: 8000,
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	if gotAuth != "Bearer stt-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotEncoding != "pcm_mulaw" || gotRate != "8000" || gotLang != "ar" {
		t.Errorf("query = encoding=%q rate=%q lang=%q", gotEncoding, gotRate, gotLang)
	}
	if !bytes.Equal(gotBody, audio) {
		t.Errorf("body = %v, want %v", gotBody, audio)
	}
	if tr.Text != "نعم" {
		t.Errorf("Text = %q", tr.Text)
	}
	if tr.Confidence != 0.94 {
		t.Errorf("Confidence = %v, want 0.94", tr.Confidence)
	}
	if tr.Language != "ar" {
		t.Errorf("Language = %q", tr.Language)
	}
}

func TestTranscribeDefaults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("encoding"); got != "pcm_s16le" {
			t.Errorf("default encoding = %q", got)
		}
		if got := r.URL.Query().Get("sample_rate"); got != "8000" {
			t.Errorf("default sample_rate = %q", got)
		}
		w.Write([]byte(`{"text":""}`))
	}))
	defer srv.Close()

	p := NewHTTP(srv.URL, "k")
	tr, err := p.Transcribe(context.Background(), bytes.NewReader(nil), TranscribeOptions{})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Confidence != 0 {
		t.Errorf("Confidence = %v, want 0 when not reported", tr.Confidence)
	}
}

func TestTranscribeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewHTTP(srv.URL, "k")
	if _, err := p.Transcribe(context.Background(), bytes.NewReader(nil), TranscribeOptions{}); err == nil {
		t.Fatal("expected error on 503")
	}
}
