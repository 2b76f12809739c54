package geo

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelai/dmcf/pkg/factory"
)

func TestNewResolver_DisabledAnswersUnknown(t *testing.T) {
	resolver, err := NewResolver(factory.GeoIPSection{Enable: false})
	require.NoError(t, err)

	assert.Equal(t, "", resolver.CountryCode("8.8.8.8"))
	assert.NoError(t, resolver.Close())
}

func TestNewResolver_MissingDatabase(t *testing.T) {
	_, err := NewResolver(factory.GeoIPSection{
		Enable:       true,
		DatabasePath: filepath.Join(t.TempDir(), "missing.mmdb"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.mmdb")
}

func TestMaxmindResolver_ClosedReader(t *testing.T) {
	resolver := &maxmindResolver{}
	assert.Equal(t, "", resolver.CountryCode("not-an-ip"))
	assert.Equal(t, "", resolver.CountryCode("1.2.3.4"))
	assert.NoError(t, resolver.Close())
}
