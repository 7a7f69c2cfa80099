package foamline

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Stage names passed to a DebugSink.
const (
	StageStrip   = "strip"
	StageBlurred = "blurred"
	StageBinary  = "binary"
)

// DebugSink receives intermediate images of an estimation.
type DebugSink interface {
	Capture(stage string, img image.Image)
}

func capture(sink DebugSink, stage string, img image.Image) {
	if sink != nil {
		sink.Capture(stage, img)
	}
}

// DirSink writes every captured stage as <dir>/<prefix>-<stage>.png.
// Write failures are logged and never reach the estimator.
type DirSink struct {
	dir    string
	prefix string
	logger *zap.Logger
}

// NewDirSink returns a sink writing into dir.
func NewDirSink(dir, prefix string, logger *zap.Logger) *DirSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirSink{dir: dir, prefix: prefix, logger: logger}
}

// Capture implements DebugSink.
func (s *DirSink) Capture(stage string, img image.Image) {
	if err := s.write(stage, img); err != nil {
		s.logger.Warn("debug capture failed", zap.String("stage", stage), zap.Error(err))
	}
}

func (s *DirSink) write(stage string, img image.Image) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	name := filepath.Join(s.dir, fmt.Sprintf("%s-%s.png", s.prefix, stage))
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
