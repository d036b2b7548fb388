// Package logging wires logrus for the gateway: level selection, optional
// rotated file output, and the single debug-stage recorder used by the
// converter adapter for pipeline snapshots.
package logging

import (
	"io"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup configures the global logrus logger. When logFile is non-empty the
// output rotates through lumberjack; otherwise logs go to stderr.
func Setup(debug bool, logFile string) {
	if debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	if logFile == "" {
		log.SetOutput(os.Stderr)
		return
	}
	var out io.Writer = &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    64, // megabytes
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}
	log.SetOutput(out)
}

// StageRecorder captures named pipeline stages for a single request. It is
// handed to the response converter so conversion steps can be replayed when
// debugging. Recording is a no-op unless enabled.
type StageRecorder struct {
	mu      sync.Mutex
	enabled bool
	request string
	stages  []Stage
}

// Stage is one recorded pipeline step.
type Stage struct {
	Name     string    `json:"name"`
	At       time.Time `json:"at"`
	Snapshot any       `json:"snapshot,omitempty"`
}

// NewStageRecorder builds a recorder bound to one request id.
func NewStageRecorder(requestID string, enabled bool) *StageRecorder {
	return &StageRecorder{enabled: enabled, request: requestID}
}

// Record appends a stage snapshot when recording is enabled.
func (r *StageRecorder) Record(name string, snapshot any) {
	if r == nil || !r.enabled {
		return
	}
	r.mu.Lock()
	r.stages = append(r.stages, Stage{Name: name, At: time.Now(), Snapshot: snapshot})
	r.mu.Unlock()
	log.Debugf("stage %s recorded for request %s", name, r.request)
}

// Stages returns a copy of the recorded stages.
func (r *StageRecorder) Stages() []Stage {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Stage, len(r.stages))
	copy(out, r.stages)
	return out
}
