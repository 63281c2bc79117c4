package cookies

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cookies.json")
	c := NewLoadCookie(path)

	_, err := c.LoadCookies()
	require.Error(t, err)

	require.NoError(t, c.SaveCookies([]byte(`[{"name":"sessionid"}]`)))
	data, err := c.LoadCookies()
	require.NoError(t, err)
	assert.JSONEq(t, `[{"name":"sessionid"}]`, string(data))
	assert.NoFileExists(t, path+".tmp")
}

func TestGetCookiesFilePath(t *testing.T) {
	t.Setenv("COOKIES_PATH", "/data/cookies.json")
	assert.Equal(t, "/data/cookies.json", GetCookiesFilePath())

	t.Setenv("COOKIES_PATH", "")
	assert.Equal(t, "cookies.json", filepath.Base(GetCookiesFilePath()))
}

func TestNewLoadCookieRequiresPath(t *testing.T) {
	assert.Panics(t, func() { NewLoadCookie("") })
}
