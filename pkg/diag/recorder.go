// Package diag captures per-device protocol traces for troubleshooting. A
// recorder writes one tab-separated line per message to a file and closes
// itself when its deadline passes or the file grows past the size cap, so a
// forgotten trace cannot fill the disk.
package diag

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aicarmic/meross-lan/pkg/logging"
	"github.com/aicarmic/meross-lan/pkg/protocol"
)

const (
	// DefaultMaxSize caps a trace file.
	DefaultMaxSize = 65536

	// Direction tags for trace lines.
	DirectionRX = "RX"
	DirectionTX = "TX"
)

// Keys whose values are replaced before a payload is written to a trace,
// so shared traces do not leak addresses or account identifiers.
var obfuscatedKeys = []string{
	"macAddress",
	"wifiMac",
	"innerIp",
	"server",
	"port",
	"secondServer",
	"secondPort",
	"userId",
	"uuid",
}

// RecorderConfig configures a trace recorder.
type RecorderConfig struct {
	Dir        string        // directory for trace files
	DeviceID   string        // appliance identifier
	DeviceType string        // hardware type, used in the filename
	Duration   time.Duration // recording window
	MaxSize    int64         // file size cap in bytes (default DefaultMaxSize)
	Logger     logging.Logger
}

// Recorder writes protocol messages to a trace file until its window closes.
// All methods are safe for concurrent use.
type Recorder struct {
	cfg      RecorderConfig
	deadline time.Time

	mu     sync.Mutex
	file   *os.File
	size   int64
	closed bool
}

// NewRecorder opens a trace file and starts the recording window.
func NewRecorder(cfg RecorderConfig) (*Recorder, error) {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create trace directory: %w", err)
	}

	now := time.Now()
	name := fmt.Sprintf("%s_%s_%s.csv",
		now.Format("2006-01-02_15-04-05"), cfg.DeviceType, cfg.DeviceID)
	file, err := os.Create(filepath.Join(cfg.Dir, name))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace file: %w", err)
	}

	return &Recorder{
		cfg:      cfg,
		deadline: now.Add(cfg.Duration),
		file:     file,
	}, nil
}

// Record writes one message to the trace. Returns false once the recorder
// has closed (deadline passed or size cap hit); the caller should then drop
// its reference.
func (r *Recorder) Record(direction string, msg *protocol.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}

	now := time.Now()
	if now.After(r.deadline) {
		r.closeLocked()
		return false
	}

	payload := msg.Payload
	if msg.Header.Namespace == protocol.NamespaceSystemAll {
		payload = obfuscate(payload)
	}

	line := fmt.Sprintf("%s\t%s\t%s\t%s\t%s\n",
		now.Format("2006/01/02 - 15:04:05"),
		direction,
		msg.Header.Method,
		msg.Header.Namespace,
		compactJSON(payload))

	n, err := r.file.WriteString(line)
	if err != nil {
		r.cfg.Logger.Warn("trace write failed", logging.ErrorField(err))
		r.closeLocked()
		return false
	}

	r.size += int64(n)
	if r.size >= r.cfg.MaxSize {
		r.closeLocked()
		return false
	}
	return true
}

// RecordEvent writes a non-protocol line (state changes, local decisions).
func (r *Recorder) RecordEvent(event, detail string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}

	now := time.Now()
	if now.After(r.deadline) {
		r.closeLocked()
		return false
	}

	line := fmt.Sprintf("%s\t\t%s\t\t%s\n",
		now.Format("2006/01/02 - 15:04:05"), event, detail)
	n, err := r.file.WriteString(line)
	if err != nil {
		r.closeLocked()
		return false
	}
	r.size += int64(n)
	if r.size >= r.cfg.MaxSize {
		r.closeLocked()
		return false
	}
	return true
}

// Active reports whether the recorder is still accepting messages.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed && time.Now().Before(r.deadline)
}

// Close ends the recording early.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closeLocked()
	return nil
}

func (r *Recorder) closeLocked() {
	r.closed = true
	if err := r.file.Close(); err != nil {
		r.cfg.Logger.Warn("trace close failed", logging.ErrorField(err))
	}
	r.cfg.Logger.Info("trace file closed",
		logging.String("file", r.file.Name()),
		logging.Int("bytes", int(r.size)))
}

// obfuscate replaces sensitive values anywhere in the payload tree. On any
// decode problem the payload passes through untouched rather than losing the
// trace line.
func obfuscate(payload json.RawMessage) json.RawMessage {
	var tree interface{}
	if err := json.Unmarshal(payload, &tree); err != nil {
		return payload
	}
	obfuscateTree(tree)
	out, err := json.Marshal(tree)
	if err != nil {
		return payload
	}
	return out
}

func obfuscateTree(node interface{}) {
	switch v := node.(type) {
	case map[string]interface{}:
		for key, child := range v {
			if isObfuscatedKey(key) {
				v[key] = maskValue(child)
				continue
			}
			obfuscateTree(child)
		}
	case []interface{}:
		for _, child := range v {
			obfuscateTree(child)
		}
	}
}

func isObfuscatedKey(key string) bool {
	for _, k := range obfuscatedKeys {
		if key == k {
			return true
		}
	}
	return false
}

func maskValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return strings.Repeat("#", len(val))
	case float64:
		return 0
	default:
		return "###"
	}
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
