package retrieval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPSearcher_Search(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req searchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req.Query != "分数" || req.Filters.Subject != "数学" || req.Filters.Limit != 5 {
			t.Errorf("request = %+v", req)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"context":      "分数表示把整体平均分",
			"sources":      []string{"三上教材"},
			"totalResults": 3,
		})
	}))
	defer srv.Close()

	res, err := NewHTTPSearcher(srv.URL+"/").Search(context.Background(), "分数", Filters{Subject: "数学", Limit: 5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.Context != "分数表示把整体平均分" || len(res.Sources) != 1 || res.Total != 3 {
		t.Errorf("result = %+v", res)
	}
}

func TestHTTPSearcher_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "index rebuilding", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPSearcher(srv.URL).Search(context.Background(), "q", Filters{})
	if err == nil {
		t.Fatal("expected error for 503")
	}
}
