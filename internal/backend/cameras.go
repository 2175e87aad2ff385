// internal/backend/cameras.go
// Adapter for the camera streams.  Cameras are pull-based from the gateway's
// perspective: /ws/cameras relays and GET /camera/{name}/frame fetch single JPEG
// frames on demand over the same NDJSON channel (frame bytes arrive base64
// encoded in the reply, which keeps the protocol line-oriented).
package backend

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/cockroachdb/errors"
)

// CamerasConfig parameterises the cameras adapter.
type CamerasConfig struct {
	Addr           string
	Names          []string // advertised camera names, e.g. base, wrist
	RequestTimeout time.Duration
}

type camerasAdapter struct {
	statusCell
	cfg    CamerasConfig
	client *ndjsonClient
}

// NewCameras constructs the real cameras adapter.
func NewCameras(cfg CamerasConfig) Cameras {
	if len(cfg.Names) == 0 {
		cfg.Names = []string{"base", "wrist"}
	}
	c := &camerasAdapter{cfg: cfg}
	c.client = newNDJSONClient(cfg.Addr, cfg.RequestTimeout, &c.statusCell)
	return c
}

func (c *camerasAdapter) Connect(ctx context.Context) error { return c.client.connect(ctx) }
func (c *camerasAdapter) Close() error                      { return c.client.close() }

func (c *camerasAdapter) Names() []string {
	return append([]string(nil), c.cfg.Names...)
}

func (c *camerasAdapter) Frame(ctx context.Context, name string) ([]byte, error) {
	if !c.IsConnected() {
		return nil, ErrUnavailable
	}
	var rep struct {
		OK    bool   `json:"ok"`
		Error string `json:"error,omitempty"`
		JPEG  string `json:"jpeg,omitempty"`
	}
	if err := c.client.roundTrip(ctx, map[string]any{"op": "frame", "camera": name}, &rep); err != nil {
		return nil, err
	}
	if !rep.OK {
		return nil, errors.Newf("camera error: %s", rep.Error)
	}
	buf, err := base64.StdEncoding.DecodeString(rep.JPEG)
	if err != nil {
		return nil, errors.Wrap(err, "decode frame")
	}
	return buf, nil
}
