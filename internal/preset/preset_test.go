package preset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/coyote/internal/protocol"
)

func newTestLibrary(t *testing.T) *Library {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewLibrary(logger)
}

func writePulseFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestBuiltinPresets(t *testing.T) {
	lib := newTestLibrary(t)

	assert.Equal(t, []string{"steady", "pulse", "wave"}, lib.Names())

	for _, name := range lib.Names() {
		p, err := lib.Get(name)
		require.NoError(t, err)
		assert.Equal(t, OriginBuiltin, p.Origin)
		require.NotEmpty(t, p.Frames)
		for _, f := range p.Frames {
			assert.NoError(t, f.Validate())
		}
	}
}

func TestGetUnknownPreset(t *testing.T) {
	lib := newTestLibrary(t)

	p, err := lib.Get("thunder")
	assert.Nil(t, p)

	var nferr *NotFoundError
	require.ErrorAs(t, err, &nferr)
	assert.Equal(t, "thunder", nferr.Name)
	assert.Contains(t, nferr.Error(), "steady")
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	writePulseFile(t, dir, "ripple.pulse", "Dungeonlab+pulse:x/10.00-1,20.00-1,30.00-1,40.00-1")
	writePulseFile(t, dir, "broken.pulse", "not a pulse export")
	writePulseFile(t, dir, "notes.txt", "ignored, wrong extension")

	lib := newTestLibrary(t)
	require.NoError(t, lib.Load(dir))

	// The malformed sibling does not prevent the well-formed file loading.
	p, err := lib.Get("ripple")
	require.NoError(t, err)
	assert.Equal(t, OriginFile, p.Origin)
	require.Len(t, p.Frames, 1)
	assert.Equal(t, protocol.Frame{
		Frequency: [4]int{80, 80, 80, 80},
		Strength:  [4]int{10, 20, 30, 40},
	}, p.Frames[0])

	_, err = lib.Get("broken")
	assert.Error(t, err)
	_, err = lib.Get("notes")
	assert.Error(t, err)

	assert.Equal(t, 4, lib.Len())
}

func TestLoadMissingDirectoryIsNoop(t *testing.T) {
	lib := newTestLibrary(t)
	require.NoError(t, lib.Load(filepath.Join(t.TempDir(), "does-not-exist")))
	assert.Equal(t, 3, lib.Len())
}

func TestLoadEmptyDirPathIsNoop(t *testing.T) {
	lib := newTestLibrary(t)
	require.NoError(t, lib.Load(""))
	assert.Equal(t, 3, lib.Len())
}

func TestNameCollisionReplacesExisting(t *testing.T) {
	dir := t.TempDir()
	// Shadows the builtin of the same name.
	writePulseFile(t, dir, "wave.pulse", "Dungeonlab+pulse:x/5.00-1,5.00-1,5.00-1,5.00-1")

	lib := newTestLibrary(t)
	require.NoError(t, lib.Load(dir))

	p, err := lib.Get("wave")
	require.NoError(t, err)
	assert.Equal(t, OriginFile, p.Origin)
	assert.Equal(t, [4]int{5, 5, 5, 5}, p.Frames[0].Strength)

	// Replacement, not duplication.
	assert.Equal(t, 3, lib.Len())
	assert.Equal(t, []string{"steady", "pulse", "wave"}, lib.Names())
}
