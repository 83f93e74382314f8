package drm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"playercore/internal/logger"
	"playercore/internal/manifest"
)

func encryptedManifest() (*manifest.Manifest, *manifest.Representation, *manifest.Representation) {
	encrypted := &manifest.Representation{
		ID: "video-hi", UID: "p1/video-hi", Encrypted: true, KeyID: "00aa",
	}
	clear := &manifest.Representation{
		ID: "video-lo", UID: "p1/video-lo",
	}
	mft := &manifest.Manifest{
		Periods: []*manifest.Period{{
			ID: "p1",
			Adaptations: map[manifest.BufferType][]*manifest.Adaptation{
				manifest.Video: {{
					ID:              "video",
					Type:            manifest.Video,
					Representations: []*manifest.Representation{encrypted, clear},
				}},
			},
		}},
	}
	return mft, encrypted, clear
}

func TestKeyStoreApply(t *testing.T) {
	mft, encrypted, clear := encryptedManifest()
	store := NewKeyStore(logger.Nop{})

	// Nothing known yet: nothing changes.
	assert.Empty(t, store.Apply(mft))
	assert.Nil(t, encrypted.Decipherable)

	store.SetStatus("00aa", KeyStatusUsable)
	changed := store.Apply(mft)
	require.Len(t, changed, 1)
	assert.Same(t, encrypted, changed[0])
	require.NotNil(t, encrypted.Decipherable)
	assert.True(t, *encrypted.Decipherable)
	assert.Nil(t, clear.Decipherable)

	// Same status again is not a change.
	assert.Empty(t, store.Apply(mft))

	store.SetStatus("00aa", KeyStatusRestricted)
	changed = store.Apply(mft)
	require.Len(t, changed, 1)
	assert.False(t, *encrypted.Decipherable)
	assert.False(t, encrypted.IsPlayable())
}

func TestKeyStoreStatus(t *testing.T) {
	store := NewKeyStore(logger.Nop{})
	assert.Equal(t, KeyStatusUnknown, store.Status("00aa"))
	store.SetStatus("00aa", KeyStatusUsable)
	assert.Equal(t, KeyStatusUsable, store.Status("00aa"))
}
