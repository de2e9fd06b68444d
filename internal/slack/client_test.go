package slack

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPostMessage(t *testing.T) {
	var gotAuth string
	var gotBody PostMessageParams
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat.postMessage" {
			t.Errorf("path=%q", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "ts": "123.456"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	ts, err := c.PostMessage(context.Background(), "xoxb-tok", PostMessageParams{
		Channel:  "C1",
		Text:     "hello",
		ThreadTS: "1.0",
		Username: "Agent Smith",
	})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if ts != "123.456" {
		t.Fatalf("ts=%q", ts)
	}
	if gotAuth != "Bearer xoxb-tok" {
		t.Fatalf("auth=%q", gotAuth)
	}
	if gotBody.Channel != "C1" || gotBody.ThreadTS != "1.0" || gotBody.Username != "Agent Smith" {
		t.Fatalf("body: %+v", gotBody)
	}
}

func TestPostMessage_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// Slack reports failures as 200s with ok:false.
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "channel_not_found"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.PostMessage(context.Background(), "tok", PostMessageParams{Channel: "C_GONE", Text: "x"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("want APIError, got %v", err)
	}
	if apiErr.Code != "channel_not_found" || apiErr.Method != "chat.postMessage" {
		t.Fatalf("apiErr: %+v", apiErr)
	}
}

func TestLookupUserByEmail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users.lookupByEmail" {
			t.Errorf("path=%q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("email") {
		case "agent@acme.test":
			json.NewEncoder(w).Encode(map[string]any{
				"ok": true,
				"user": map[string]any{
					"id": "U7", "name": "agent",
					"profile": map[string]any{"display_name": "Agent Smith", "image_72": "https://img.test/72.png"},
				},
			})
		default:
			json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "users_not_found"})
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	u, err := c.LookupUserByEmail(context.Background(), "tok", "agent@acme.test")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if u.ID != "U7" || u.DisplayLabel() != "Agent Smith" {
		t.Fatalf("user: %+v", u)
	}

	_, err = c.LookupUserByEmail(context.Background(), "tok", "nobody@acme.test")
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("want ErrUserNotFound, got %v", err)
	}
}

func TestGetUserProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users.info" || r.URL.Query().Get("user") != "U1" {
			t.Errorf("request: %s %s", r.URL.Path, r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"ok":   true,
			"user": map[string]any{"id": "U1", "profile": map[string]any{"real_name": "Jane Doe", "email": "jane@acme.test"}},
		})
	}))
	defer srv.Close()

	u, err := NewClient(srv.URL).GetUserProfile(context.Background(), "tok", "U1")
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if u.Profile.Email != "jane@acme.test" || u.DisplayLabel() != "Jane Doe" {
		t.Fatalf("user: %+v", u)
	}
}

func TestGetPermalink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("channel") != "C1" || q.Get("message_ts") != "1.0" {
			t.Errorf("query: %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "permalink": "https://slack.test/p1"})
	}))
	defer srv.Close()

	link, err := NewClient(srv.URL).GetPermalink(context.Background(), "tok", "C1", "1.0")
	if err != nil {
		t.Fatalf("permalink: %v", err)
	}
	if link != "https://slack.test/p1" {
		t.Fatalf("link=%q", link)
	}
}

func TestFileInfoAndDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/files.info":
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"ok":   true,
				"file": map[string]any{"id": "F1", "name": "report.pdf", "url_private_download": "http://ignored/dl"},
			})
		case "/dl":
			w.Write([]byte("file-bytes"))
		default:
			t.Errorf("path=%q", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	f, err := c.FileInfo(context.Background(), "tok", "F1")
	if err != nil {
		t.Fatalf("file info: %v", err)
	}
	if f.Name != "report.pdf" {
		t.Fatalf("file: %+v", f)
	}

	data, err := c.DownloadFile(context.Background(), "tok", srv.URL+"/dl")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if string(data) != "file-bytes" {
		t.Fatalf("data=%q", data)
	}
}
