package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/any-hub/offline-hub/internal/asset"
)

func TestFetcherNeutralHints(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Write([]byte("page"))
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client(), nil)
	resp, err := f.Fetch(context.Background(), asset.Asset{SourceURL: srv.URL + "/videos/intro/", Neutral: true})
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "page" {
		t.Fatalf("unexpected body %q", body)
	}
	if got.Get("Cache-Control") != "no-cache" {
		t.Fatalf("expected no-cache hint, got %q", got.Get("Cache-Control"))
	}
	if got.Get("Accept-Encoding") != "identity" {
		t.Fatalf("expected identity encoding, got %q", got.Get("Accept-Encoding"))
	}
}

func TestFetcherStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := NewFetcher(srv.Client(), nil).Fetch(context.Background(), asset.Asset{SourceURL: srv.URL + "/missing"})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected StatusError 404, got %v", err)
	}
}

func TestCopyHeadersSkipsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Set("Connection", "keep-alive")
	src.Set("Keep-Alive", "timeout=5")
	src.Set("X-Test", "1")

	dst := http.Header{}
	CopyHeaders(dst, src)

	if dst.Get("Connection") != "" || dst.Get("Keep-Alive") != "" {
		t.Fatalf("hop-by-hop headers should be stripped: %v", dst)
	}
	if dst.Get("X-Test") != "1" {
		t.Fatalf("expected X-Test header to be copied")
	}
}
