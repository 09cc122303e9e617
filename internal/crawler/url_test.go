package crawler

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases scheme and host", "HTTPS://Example.TEST/Path", "https://example.test/Path"},
		{"strips fragment", "https://example.test/a#section", "https://example.test/a"},
		{"strips default https port", "https://example.test:443/a", "https://example.test/a"},
		{"strips default http port", "http://example.test:80/a", "http://example.test/a"},
		{"keeps custom port", "http://example.test:8080/a", "http://example.test:8080/a"},
		{"sorts query", "https://example.test/a?b=2&a=1", "https://example.test/a?a=1&b=2"},
		{"empty path becomes root", "https://example.test", "https://example.test/"},
		{"drops userinfo", "https://user:pw@example.test/", "https://example.test/"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeURL(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeURLRejectsUnsupported(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"mailto:someone@example.test", "javascript:void(0)", "ftp://example.test/file"} {
		_, err := NormalizeURL(raw)
		if !errors.Is(err, ErrUnsupportedScheme) {
			t.Fatalf("NormalizeURL(%q) error = %v, want ErrUnsupportedScheme", raw, err)
		}
	}
	if _, err := NormalizeURL("/relative/path"); err == nil {
		t.Fatal("expected relative url to be rejected")
	}
}

func TestSeedURL(t *testing.T) {
	t.Parallel()

	got, err := SeedURL("Example.test")
	require.NoError(t, err)
	require.Equal(t, "https://example.test/", got)

	got, err = SeedURL("http://example.test/start#top")
	require.NoError(t, err)
	require.Equal(t, "http://example.test/start", got)

	_, err = SeedURL("  ")
	require.Error(t, err)
}

func TestFileSafeHost(t *testing.T) {
	t.Parallel()

	require.Equal(t, "www_example_com", FileSafeHost("WWW.example.com"))
	require.Equal(t, "localhost_8080", FileSafeHost("localhost:8080"))
}
