package httprpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dreamware/strato/internal/rpcif"
	"github.com/dreamware/strato/pkg/kv"
)

func TestGetValueRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/getValue") {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"value": []byte("hello"), "found": true})
	}))
	defer srv.Close()

	c := New()
	host := strings.TrimPrefix(srv.URL, "http://")
	v, ok, err := c.GetValue(context.Background(), rpcif.GetValueRequest{
		Endpoint: rpcif.Endpoint{ServerID: host, Token: "tok"},
		Key:      kv.Key("k"),
		Version:  1,
	})
	if err != nil {
		t.Fatalf("get value: %v", err)
	}
	if !ok || string(v) != "hello" {
		t.Fatalf("unexpected response value=%q ok=%v", v, ok)
	}
}

func TestPostJSONSurfacesNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New()
	host := strings.TrimPrefix(srv.URL, "http://")
	_, _, err := c.GetValue(context.Background(), rpcif.GetValueRequest{
		Endpoint: rpcif.Endpoint{ServerID: host, Token: "tok"},
		Key:      kv.Key("k"),
	})
	if err == nil {
		t.Fatalf("expected error on non-200 response")
	}
}
