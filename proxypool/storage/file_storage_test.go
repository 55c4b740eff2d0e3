package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"egress_nexus/proxypool/model"
)

func TestFileStorage_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.snapshot")
	fs := NewFileStorage(path)

	a := model.NewResource("203.0.113.7", 8080, model.CapHTTP, model.CapHTTPS)
	a.Priority = 2
	a.Geo = "US|East"
	a.Working = true
	a.Anonymity = model.AnonymityElite
	a.Source = "table"
	a.LastChecked = time.Unix(1700000000, 0)
	a.Stats = model.Stats{Attempts: 3, Successes: 2, Failures: 1, ConsecutiveFailures: 1, TotalSuccessDuration: 400 * time.Millisecond}
	b := model.NewResource("2001:db8::1", 1080, model.CapSOCKS5)

	require.NoError(t, fs.Save([]*model.Resource{b, a}))

	got, err := fs.Load()
	require.NoError(t, err)
	require.Len(t, got, 2)

	// sorted by identity
	assert.Equal(t, "203.0.113.7:8080", got[0].ID())
	assert.Equal(t, "[2001:db8::1]:1080", got[1].ID())

	r := got[0]
	assert.Equal(t, a.Capabilities, r.Capabilities)
	assert.Equal(t, 2, r.Priority)
	assert.Equal(t, "US/East", r.Geo)
	assert.True(t, r.Working)
	assert.Equal(t, model.AnonymityElite, r.Anonymity)
	assert.Equal(t, "table", r.Source)
	assert.True(t, a.LastChecked.Equal(r.LastChecked))
	assert.Equal(t, a.Stats.Attempts, r.Stats.Attempts)
	assert.Equal(t, 200*time.Millisecond, r.Stats.AverageLatency())
	assert.True(t, got[1].LastChecked.IsZero())
}

func TestFileStorage_MissingFile(t *testing.T) {
	fs := NewFileStorage(filepath.Join(t.TempDir(), "absent"))
	got, err := fs.Load()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFileStorage_SkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.snapshot")
	content := "garbage\n" +
		"203.0.113.7|8080|HTTP|1||true||s|0|2|1|1|0|100\n" +
		"203.0.113.8|x|HTTP|1||true||s|0|0|0|0|0|0\n" +
		"203.0.113.9|8080|HTTP|1||true||s|0|5|1|1|0|100\n" +
		"203.0.113.10|8080||1||true||s|0|0|0|0|0|0\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	got, err := NewFileStorage(path).Load()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "203.0.113.7:8080", got[0].ID())
}
