// Package device is the enumeration boundary: it resolves the identifiers
// shown in pickers to the endpoints the engine opens. The engine itself
// only ever sees identifier strings.
package device

import (
	"fmt"
	"strings"

	"github.com/gen2brain/malgo"
	"github.com/vuemix/echotap/internal/config"
)

// Info describes one selectable audio endpoint.
type Info struct {
	ID      string
	Name    string
	Default bool
}

// List enumerates the endpoints for the given direction. Capture engines
// list input devices; loopback engines list render devices.
func List(dir config.Direction) ([]Info, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	defer ctx.Uninit()

	kind := malgo.Capture
	if dir == config.DirectionLoopback {
		kind = malgo.Playback
	}

	infos, err := ctx.Devices(kind)
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}

	out := make([]Info, 0, len(infos)+1)
	out = append(out, Info{ID: config.DefaultDeviceID, Name: "Default", Default: true})
	for _, d := range infos {
		out = append(out, Info{
			ID:   d.Name(),
			Name: d.Name(),
		})
	}
	return out, nil
}

// Resolve returns the display info for a device id, falling back to the id
// itself when the device is not currently enumerable. Used for logs and
// pickers only; the engine resolves ids at open time.
func Resolve(dir config.Direction, id string) Info {
	infos, err := List(dir)
	if err == nil {
		for _, d := range infos {
			if strings.EqualFold(d.ID, id) {
				return d
			}
		}
	}
	return Info{ID: id, Name: id}
}
