package buildspec

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GaretJax/ipd/pkg/ipderrors"
)

func TestRawURLDispatchesByHost(t *testing.T) {
	cases := []struct {
		name     string
		repoURL  string
		commitID string
		want     string
	}{
		{
			name:     "github",
			repoURL:  "https://github.com/ex/demo.git",
			commitID: "abc",
			want:     "https://raw.githubusercontent.com/ex/demo/abc/Buildspec",
		},
		{
			name:     "gitlab",
			repoURL:  "https://gitlab.com/ex/demo.git",
			commitID: "abc",
			want:     "https://gitlab.com/ex/demo/-/raw/abc/Buildspec",
		},
		{
			name:     "generic host returned unchanged",
			repoURL:  "https://git.example.org/ex/demo.git",
			commitID: "abc",
			want:     "https://git.example.org/ex/demo.git",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := RawURL(tc.repoURL, tc.commitID, "Buildspec")
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestFetchParsesBaseDomain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("base_domain: ubuntu\ninstall:\n  - echo hi\n"))
	}))
	defer srv.Close()

	f := NewFetcher(time.Second)
	spec, raw, err := f.Fetch(Request{RawURL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "ubuntu", spec.BaseDomain)
	assert.Equal(t, []string{"echo hi"}, spec.Install)
	assert.NotEmpty(t, raw)
}

func TestFetchMissingReturnsBuildspecNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewFetcher(time.Second)
	_, _, err := f.Fetch(Request{RawURL: srv.URL})
	assert.ErrorIs(t, err, ipderrors.BuildspecNotFound)
}
