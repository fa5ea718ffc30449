package prompts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoaderDefaults(t *testing.T) {
	loader, err := NewLoader(time.Minute)
	require.NoError(t, err)

	for _, name := range append(WriterSkills, System, Summarize) {
		content, err := loader.Get(name)
		require.NoError(t, err, name)
		assert.NotEmpty(t, content, name)
	}

	_, err = loader.Get("nonexistent")
	assert.Error(t, err)
}

func TestLoaderOverrideExpiry(t *testing.T) {
	loader, err := NewLoader(20 * time.Millisecond)
	require.NoError(t, err)

	embedded, err := loader.Get(Quotation)
	require.NoError(t, err)

	loader.Put(Quotation, "tenant-specific quotation prompt")
	got, err := loader.Get(Quotation)
	require.NoError(t, err)
	assert.Equal(t, "tenant-specific quotation prompt", got)

	time.Sleep(30 * time.Millisecond)
	got, err = loader.Get(Quotation)
	require.NoError(t, err)
	assert.Equal(t, embedded, got)
}

func TestIsWriterSkill(t *testing.T) {
	assert.True(t, IsWriterSkill(Contract))
	assert.False(t, IsWriterSkill(System))
	assert.False(t, IsWriterSkill("poetry"))
}
