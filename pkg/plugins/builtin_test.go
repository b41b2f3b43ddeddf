package plugins

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProperties(t *testing.T) {
	values, err := ParseProperties([]byte(`
# comment
AUTH=user:secret
export APIHOST = https://fn.example.com
QUOTED="hello world"
SINGLE='x'
EMPTY=
`))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"AUTH":    "user:secret",
		"APIHOST": "https://fn.example.com",
		"QUOTED":  "hello world",
		"SINGLE":  "x",
		"EMPTY":   "",
	}, values)

	_, err = ParseProperties([]byte("novalue"))
	assert.Error(t, err)

	_, err = ParseProperties([]byte("=x"))
	assert.Error(t, err)
}

func TestDotEnvSource(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DotEnvFile), []byte("GREETING=hi\n"), 0o644))

	s := NewDotEnvSource(dir)
	v, ok, err := s.Resolve(ctx, "GREETING")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hi", v)

	_, ok, err = s.Resolve(ctx, "MISSING")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDotEnvSource_MissingFile(t *testing.T) {
	s := NewDotEnvSource(t.TempDir())
	_, ok, err := s.Resolve(context.Background(), "ANY")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEnvSource(t *testing.T) {
	s := EnvSource{Lookup: func(name string) (string, bool) {
		if name == "HOME_REGION" {
			return "eu", true
		}
		return "", false
	}}
	v, ok, err := s.Resolve(context.Background(), "HOME_REGION")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "eu", v)
	assert.Equal(t, "env", s.Name())
}
