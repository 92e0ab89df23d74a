package direct_test

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/cadenza/pkg/media"
	"github.com/MrWong99/cadenza/pkg/source/direct"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/music/song-a.mp3", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = io.WriteString(w, "ID3-mp3-bytes")
	})
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "audio/ogg")
		w.Header().Set("Content-Disposition", `attachment; filename="radio.ogg"`)
		if r.Header.Get("Range") != "" {
			w.Header().Set("Content-Range", "bytes 0-0/2048")
			w.WriteHeader(http.StatusPartialContent)
			_, _ = io.WriteString(w, "O")
			return
		}
		_, _ = io.WriteString(w, "OggS")
	})
	mux.HandleFunc("/video/123", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, "<html>no stream here</html>")
	})
	mux.HandleFunc("/gone", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestSource_ProbeAndFetch(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	s := direct.New(srv.Client())
	ref := srv.URL + "/music/song-a.mp3"

	coll, err := s.Probe(t.Context(), ref)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	d := coll.Items[0]
	if d.Title != "song-a" || d.Format != "mp3" {
		t.Errorf("probe descriptor = %+v", d)
	}

	rc, d, err := s.Fetch(t.Context(), ref)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "ID3-mp3-bytes" || d.SourceURL != ref {
		t.Errorf("fetch = %q, %+v", data, d)
	}
}

func TestSource_ProbeFallsBackToRangedGet(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	title, err := direct.New(srv.Client()).ResolveTitle(t.Context(), srv.URL+"/stream")
	if err != nil {
		t.Fatalf("ResolveTitle: %v", err)
	}
	if title != "radio" {
		t.Errorf("title = %q, want radio", title)
	}
	coll, _ := direct.New(srv.Client()).Probe(t.Context(), srv.URL+"/stream")
	if coll.Items[0].Size != 2048 || coll.Items[0].Format != "ogg" {
		t.Errorf("descriptor = %+v", coll.Items[0])
	}
}

func TestSource_Errors(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	s := direct.New(srv.Client())
	tests := []struct {
		path string
		want error
	}{
		{path: "/video/123", want: media.ErrUnavailable},
		{path: "/gone", want: media.ErrUnavailable},
		{path: "/broken", want: media.ErrDownloadFailed},
	}
	for _, tt := range tests {
		if _, err := s.Probe(t.Context(), srv.URL+tt.path); !errors.Is(err, tt.want) {
			t.Errorf("Probe(%s) err = %v, want %v", tt.path, err, tt.want)
		}
		if _, _, err := s.Fetch(t.Context(), srv.URL+tt.path); !errors.Is(err, tt.want) {
			t.Errorf("Fetch(%s) err = %v, want %v", tt.path, err, tt.want)
		}
	}
}

func TestSource_TransportFailure(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	url := srv.URL + "/music/x.mp3"
	srv.Close()
	if _, err := direct.New(nil).Probe(t.Context(), url); !errors.Is(err, media.ErrDownloadFailed) {
		t.Errorf("err = %v, want ErrDownloadFailed", err)
	}
}

func TestSource_Match(t *testing.T) {
	t.Parallel()

	s := direct.New(nil)
	if !s.Match("https://example.com/a.mp3") || s.Match("free text") {
		t.Error("Match: want URLs only")
	}
}
