package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadURLs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		file    string
		body    string
		want    []string
		wantErr bool
	}{
		{
			name: "text with comments",
			file: "urls.txt",
			body: "# batch\nhttps://a.example.com/1\n\n  https://b.example.com/2  \n# done\n",
			want: []string{"https://a.example.com/1", "https://b.example.com/2"},
		},
		{
			name: "csv url column",
			file: "urls.csv",
			body: "title,URL\nfirst,https://a.example.com/1\nempty,\nsecond,https://b.example.com/2\n",
			want: []string{"https://a.example.com/1", "https://b.example.com/2"},
		},
		{name: "csv without url column", file: "bad.csv", body: "title,link\nx,y\n", wantErr: true},
		{
			name: "json strings and objects",
			file: "urls.json",
			body: `["https://a.example.com/1", {"url": "https://b.example.com/2", "tag": "x"}, ""]`,
			want: []string{"https://a.example.com/1", "https://b.example.com/2"},
		},
		{name: "json not an array", file: "bad.json", body: `{"url": "x"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), tt.file)
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0o600))

			got, err := ReadURLs(path)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadURLsMissingFile(t *testing.T) {
	t.Parallel()

	_, err := ReadURLs(filepath.Join(t.TempDir(), "absent.txt"))
	require.Error(t, err)
}
