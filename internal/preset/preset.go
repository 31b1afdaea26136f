// Package preset holds named waveform presets: the built-in canonical
// patterns plus any decoded from a directory of DungeonLab .pulse exports.
package preset

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/coyote/internal/protocol"
	"github.com/srg/coyote/internal/pulsefile"
)

// Origin records where a preset came from.
type Origin string

const (
	OriginBuiltin Origin = "builtin"
	OriginFile    Origin = "file"
)

// Preset is a named, ordered frame sequence. Immutable after library load and
// shared read-only across channels.
type Preset struct {
	Name   string
	Frames []protocol.Frame
	Origin Origin
}

// NotFoundError reports an unknown preset name lookup.
type NotFoundError struct {
	Name      string
	Available []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("unknown preset %q (available: %s)", e.Name, strings.Join(e.Available, ", "))
}

// Library maps preset names to presets, preserving insertion order so listing
// is deterministic: builtins first, then files in directory order. It is
// read-only after Load and safe for concurrent lookup.
type Library struct {
	presets *orderedmap.OrderedMap[string, *Preset]
	logger  *logrus.Logger
}

// NewLibrary creates a library pre-populated with the built-in presets.
func NewLibrary(logger *logrus.Logger) *Library {
	if logger == nil {
		logger = logrus.New()
	}
	lib := &Library{
		presets: orderedmap.New[string, *Preset](),
		logger:  logger,
	}
	for _, p := range builtins() {
		lib.presets.Set(p.Name, p)
	}
	return lib
}

// Get resolves a preset by name.
func (l *Library) Get(name string) (*Preset, error) {
	if p, ok := l.presets.Get(name); ok {
		return p, nil
	}
	return nil, &NotFoundError{Name: name, Available: l.Names()}
}

// Names lists preset names in insertion order.
func (l *Library) Names() []string {
	names := make([]string, 0, l.presets.Len())
	for pair := l.presets.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// Len returns the number of loaded presets.
func (l *Library) Len() int { return l.presets.Len() }

// Load decodes every .pulse file in dir into a file-origin preset named after
// the file with its extension stripped. A file that fails to decode is logged
// and skipped; the rest of the directory still loads. A name collision with an
// existing entry replaces it with a warning, never silently.
//
// Load is part of startup: it must not be called concurrently with lookups.
func (l *Library) Load(dir string) error {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			l.logger.WithField("dir", dir).Debug("Pulse directory does not exist, skipping")
			return nil
		}
		return fmt.Errorf("failed to read pulse directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".pulse") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			l.logger.WithError(err).WithField("file", path).Warn("Failed to read pulse file, skipping")
			continue
		}
		export, err := pulsefile.Decode(string(data))
		if err != nil {
			l.logger.WithError(err).WithField("file", path).Warn("Failed to decode pulse file, skipping")
			continue
		}

		name := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		if existing, ok := l.presets.Get(name); ok {
			l.logger.WithFields(logrus.Fields{
				"preset":   name,
				"replaced": string(existing.Origin),
			}).Warn("Preset name collision, replacing existing entry")
		}
		l.presets.Set(name, &Preset{
			Name:   name,
			Frames: export.Frames,
			Origin: OriginFile,
		})
		l.logger.WithFields(logrus.Fields{
			"preset":    name,
			"frames":    len(export.Frames),
			"truncated": export.Truncated,
		}).Info("Loaded pulse preset")
	}
	return nil
}

// builtins returns the canonical built-in patterns. Frequencies are in the
// device band [10, 240] and strengths in [0, 100].
func builtins() []*Preset {
	return []*Preset{
		{
			Name:   "steady",
			Origin: OriginBuiltin,
			Frames: []protocol.Frame{
				{Frequency: [4]int{80, 80, 80, 80}, Strength: [4]int{80, 80, 80, 80}},
			},
		},
		{
			Name:   "pulse",
			Origin: OriginBuiltin,
			Frames: []protocol.Frame{
				{Frequency: [4]int{120, 60, 120, 60}, Strength: [4]int{90, 30, 90, 30}},
			},
		},
		{
			Name:   "wave",
			Origin: OriginBuiltin,
			Frames: []protocol.Frame{
				{Frequency: [4]int{40, 80, 40, 80}, Strength: [4]int{30, 70, 30, 70}},
			},
		},
	}
}
