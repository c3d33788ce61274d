package hub

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ligustah/hubpull/internal/dest"
	hubhttp "github.com/ligustah/hubpull/internal/http"
)

func manifestServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/models/org/repo/revision/main" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func newLister(server *httptest.Server, fs *dest.FS) *Lister {
	return NewLister(hubhttp.NewClient(hubhttp.DefaultOptions()), server.URL, fs, nil)
}

func TestFilter(t *testing.T) {
	files := []string{
		"README.md",
		"config.json",
		"model-00001-of-00002.safetensors",
		"model-00002-of-00002.safetensors",
		"tokenizer/tokenizer.json",
		"onnx/model.onnx",
		"config.json",
	}

	got := Filter(files, []string{"*.json", "*.safetensors"})
	assert.Equal(t, []string{
		"config.json",
		"model-00001-of-00002.safetensors",
		"model-00002-of-00002.safetensors",
		"tokenizer/tokenizer.json",
	}, got)

	// Pattern order does not change output order.
	assert.Equal(t, got, Filter(files, []string{"*.safetensors", "*.json", "*.json"}))
}

func TestFilterPathPatterns(t *testing.T) {
	files := []string{"tokenizer/a.json", "b.json", "onnx/deep/model.onnx"}

	assert.Equal(t, []string{"tokenizer/a.json"}, Filter(files, []string{"tokenizer/*.json"}))
	assert.Equal(t, []string{"onnx/deep/model.onnx"}, Filter(files, []string{"onnx/**"}))
	assert.Empty(t, Filter(files, []string{"*.bin"}))
	assert.Empty(t, Filter(files, nil))
}

func TestListScenario(t *testing.T) {
	server := manifestServer(t, http.StatusOK, `{"id":"org/repo","siblings":[{"rfilename":"a.json"},{"rfilename":"b.safetensors"},{"rfilename":"README.md"}]}`)
	l := newLister(server, dest.Memory())

	entries, err := l.List(context.Background(), ListRequest{
		Repo:        "org/repo",
		Destination: "models/org/repo",
		Patterns:    []string{"*.json", "*.safetensors"},
	})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "a.json", entries[0].DisplayName)
	assert.Equal(t, 1, entries[0].Ordinal)
	assert.Equal(t, "models/org/repo/a.json", entries[0].DestinationPath)
	assert.Equal(t, server.URL+"/org/repo/resolve/main/a.json", entries[0].SourceURL)

	assert.Equal(t, "b.safetensors", entries[1].DisplayName)
	assert.Equal(t, 2, entries[1].Ordinal)
}

func TestListSkipsPresentFiles(t *testing.T) {
	server := manifestServer(t, http.StatusOK, `{"siblings":[{"rfilename":"a.json"},{"rfilename":"b.safetensors"},{"rfilename":"c.json"}]}`)
	fs := dest.Memory()
	require.NoError(t, fs.WriteFile("dst/a.json", []byte("{}")))

	entries, err := newLister(server, fs).List(context.Background(), ListRequest{Repo: "org/repo", Destination: "dst"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "b.safetensors", entries[0].DisplayName)
	assert.Equal(t, 1, entries[0].Ordinal)
	assert.Equal(t, "c.json", entries[1].DisplayName)
	assert.Equal(t, 2, entries[1].Ordinal)
}

func TestListAllPresent(t *testing.T) {
	server := manifestServer(t, http.StatusOK, `{"siblings":[{"rfilename":"a.json"},{"rfilename":"b.safetensors"}]}`)
	fs := dest.Memory()
	require.NoError(t, fs.WriteFile("dst/a.json", []byte("{}")))
	require.NoError(t, fs.WriteFile("dst/b.safetensors", []byte("w")))

	entries, err := newLister(server, fs).List(context.Background(), ListRequest{Repo: "org/repo", Destination: "dst"})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestListErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{"unauthorized", http.StatusUnauthorized, "", func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrAuthorizationRequired)
		}},
		{"not found", http.StatusNotFound, "", func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrAuthorizationRequired)
		}},
		{"server error", http.StatusServiceUnavailable, "", func(t *testing.T, err error) {
			var se *HTTPStatusError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, http.StatusServiceUnavailable, se.Code)
		}},
		{"malformed", http.StatusOK, "<html>", func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrUnexpected)
		}},
		{"no siblings", http.StatusOK, `{"id":"org/repo"}`, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrUnexpected)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := manifestServer(t, tt.status, tt.body)
			_, err := newLister(server, dest.Memory()).List(context.Background(), ListRequest{Repo: "org/repo"})
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestListSendsToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer hf_secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"siblings":[]}`))
	}))
	defer server.Close()

	entries, err := newLister(server, dest.Memory()).List(context.Background(), ListRequest{Repo: "org/repo", Token: "hf_secret"})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFileURLEscapes(t *testing.T) {
	l := NewLister(hubhttp.NewClient(hubhttp.DefaultOptions()), "https://hub.test/", dest.Memory(), nil)
	assert.Equal(t,
		"https://hub.test/org/repo/resolve/refs%2Fpr%2F1/sub%20dir/model.safetensors",
		l.FileURL("org/repo", "refs/pr/1", "sub dir/model.safetensors"))
}

func TestListSkipsNamesOutsideRepository(t *testing.T) {
	server := manifestServer(t, http.StatusOK, `{"siblings":[
		{"rfilename":"../../evil.json"},
		{"rfilename":"/etc/passwd.json"},
		{"rfilename":"sub/../../up.json"},
		{"rfilename":"ok.json"},
		{"rfilename":"tokenizer/vocab.json"}
	]}`)
	fs := dest.Memory()

	entries, err := newLister(server, fs).List(context.Background(), ListRequest{Repo: "org/repo", Destination: "o/r"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "o/r/ok.json", entries[0].DestinationPath)
	assert.Equal(t, 1, entries[0].Ordinal)
	assert.Equal(t, "o/r/tokenizer/vocab.json", entries[1].DestinationPath)
	assert.Equal(t, 2, entries[1].Ordinal)
}

func TestLocalName(t *testing.T) {
	for name, want := range map[string]bool{
		"config.json":          true,
		"tokenizer/vocab.json": true,
		"../evil.json":         false,
		"a/../b.json":          false,
		"/abs.json":            false,
		"./config.json":        false,
		`a\..\b.json`:          false,
		"":                     false,
	} {
		assert.Equal(t, want, LocalName(name), name)
	}
}
