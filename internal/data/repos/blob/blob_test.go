package blob

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldmesh/coremachine/internal/platform/gcp"
)

func TestSignedURL_EmulatorModeUnsupported(t *testing.T) {
	r := &repo{storageMode: gcp.ObjectStorageModeGCSEmulator}
	_, err := r.SignedURL(nil, "jobs/1/overflow.json", time.Minute)
	require.ErrorIs(t, err, ErrSigningUnsupported)
}
