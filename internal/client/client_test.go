package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/resumeforge/api/internal/config"
)

func TestChatCompletion(t *testing.T) {
	var got ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("missing bearer token")
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"SUMMARY"}}]}`))
	}))
	defer srv.Close()

	c := NewChatClient(&config.GenerationConfig{APIKey: "key", BaseURL: srv.URL + "/", Model: "gpt-4o-mini", Temperature: 0.3})
	text, err := c.ChatCompletion(context.Background(), "sys", "user")
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if text != "SUMMARY" {
		t.Errorf("unexpected text %q", text)
	}
	if got.Model != "gpt-4o-mini" || got.Temperature != 0.3 || len(got.Messages) != 2 || got.Messages[0].Role != "system" {
		t.Errorf("unexpected request %+v", got)
	}
}

func TestChatCompletion_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("overloaded"))
	}))
	defer srv.Close()

	c := NewChatClient(&config.GenerationConfig{APIKey: "key", BaseURL: srv.URL})
	_, err := c.ChatCompletion(context.Background(), "sys", "user")
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestChatCompletion_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := NewChatClient(&config.GenerationConfig{APIKey: "key", BaseURL: srv.URL})
	if _, err := c.ChatCompletion(context.Background(), "s", "u"); err == nil {
		t.Fatal("expected error for empty choices")
	}
}

func TestChatCompletion_OversizedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"`))
		w.Write([]byte(strings.Repeat("a", maxResponseBytes)))
		w.Write([]byte(`"}}]}`))
	}))
	defer srv.Close()

	c := NewChatClient(&config.GenerationConfig{APIKey: "key", BaseURL: srv.URL})
	_, err := c.ChatCompletion(context.Background(), "s", "u")
	if err == nil || !strings.Contains(err.Error(), "exceeds") {
		t.Fatalf("expected size error, got %v", err)
	}
}

func TestChatClient_IsConfigured(t *testing.T) {
	if NewChatClient(&config.GenerationConfig{}).IsConfigured() {
		t.Error("client without key must not report configured")
	}
}

func TestMockChatClient(t *testing.T) {
	var m MockChatClient
	history, _ := m.ChatCompletion(context.Background(), "You write only the Work Experience section for ATS resumes.", "")
	if !strings.HasPrefix(history, "WORK EXPERIENCE") {
		t.Errorf("unexpected history mock %q", history)
	}
	primary, _ := m.ChatCompletion(context.Background(), "You write polished, ATS-friendly resumes.", "")
	if strings.Contains(primary, "WORK EXPERIENCE") {
		t.Error("primary mock must not contain the history section")
	}
}

func TestRedisBlobStore(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	store := NewRedisBlobStore(rdb, time.Hour)
	ctx := context.Background()

	if _, err := store.Upload(ctx, "artifacts/a.docx", strings.NewReader("PKdata"), "application/zip"); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	data, err := store.Download(ctx, "artifacts/a.docx")
	if err != nil || string(data) != "PKdata" {
		t.Fatalf("Download: %q, %v", data, err)
	}
	if ttl := mr.TTL(blobKeyPrefix + "artifacts/a.docx"); ttl != time.Hour {
		t.Errorf("expected retention ttl, got %v", ttl)
	}

	if err := store.Delete(ctx, "artifacts/a.docx"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Download(ctx, "artifacts/a.docx"); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestNewR2Client_Incomplete(t *testing.T) {
	if _, err := NewR2Client(&config.R2Config{AccountID: "acct"}); err == nil {
		t.Fatal("expected error for incomplete configuration")
	}
}
