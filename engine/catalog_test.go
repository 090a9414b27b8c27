package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalog(t *testing.T) {
	c, err := OpenCatalog(":memory:")
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Upsert(CatalogEntry{InfoHash: "aa", TorrentPath: "/tmp/a.torrent", SavePath: "/dl", DesiredState: DesiredStarted}))
	require.NoError(t, c.Upsert(CatalogEntry{InfoHash: "bb", Magnet: "magnet:?xt=urn:btih:bb", SavePath: "/dl", DesiredState: DesiredStarted}))
	require.NoError(t, c.SetName("bb", "Some Name"))
	require.NoError(t, c.SetDesiredState("aa", DesiredStopped))

	entries, err := c.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	byHash := map[string]CatalogEntry{}
	for _, e := range entries {
		byHash[e.InfoHash] = e
	}
	assert.Equal(t, DesiredStopped, byHash["aa"].DesiredState)
	assert.Equal(t, "/tmp/a.torrent", byHash["aa"].TorrentPath)
	assert.Equal(t, "Some Name", byHash["bb"].Name)
	assert.Equal(t, "magnet:?xt=urn:btih:bb", byHash["bb"].Magnet)

	// upsert keeps a single row per info-hash
	require.NoError(t, c.Upsert(CatalogEntry{InfoHash: "aa", SavePath: "/other", DesiredState: DesiredStarted}))
	entries, err = c.Entries()
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	require.NoError(t, c.Delete("aa"))
	entries, err = c.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "bb", entries[0].InfoHash)
}

func TestNilCatalogClose(t *testing.T) {
	var c *Catalog
	assert.NoError(t, c.Close())
}
