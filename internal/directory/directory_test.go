package directory

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientExists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/accounts/user-1":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"user-1","status":"active"}`))
		case "/v1/accounts/user-gone":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL)

	if err := c.Exists(context.Background(), "user-1"); err != nil {
		t.Fatalf("existing account: %v", err)
	}
	if err := c.Exists(context.Background(), "user-gone"); !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("missing account: got %v, want ErrUnknownAccount", err)
	}
	// Backend failure is not "unknown account": it must stay retryable.
	if err := c.Exists(context.Background(), "user-err"); err == nil || errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("server error: got %v", err)
	}
}

func TestClientUnreachable(t *testing.T) {
	c := NewClient("http://127.0.0.1:1")
	if err := c.Exists(context.Background(), "user-1"); err == nil || errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("unreachable directory: got %v", err)
	}
}

func TestStatic(t *testing.T) {
	d := NewStatic("user-1", "user-2")
	if err := d.Exists(context.Background(), "user-2"); err != nil {
		t.Fatal(err)
	}
	if err := d.Exists(context.Background(), "user-3"); !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("got %v, want ErrUnknownAccount", err)
	}
}

func TestOpen(t *testing.T) {
	var d Open
	if err := d.Exists(context.Background(), "anyone"); err != nil {
		t.Fatal(err)
	}
	if err := d.Exists(context.Background(), "  "); !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("blank id: got %v", err)
	}
}
