package media

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Capabilities is the process-wide, once-detected set of video/audio encoder
// identifiers and hardware accelerator names the encoder tool exposes.
// Grounded on the teacher's hwaccel.go DetectEncoders: probe once, cache for
// the process lifetime, never panic on a parse failure.
type Capabilities struct {
	mu            sync.RWMutex
	videoEncoders map[string]bool
	audioEncoders map[string]bool
	accelerators  map[string]bool
	vaapiDevice   string
	detected      bool
}

// NewCapabilities returns an empty, undetected Capabilities. Call Detect once
// at startup before any Worker consults it.
func NewCapabilities() *Capabilities {
	return &Capabilities{
		videoEncoders: make(map[string]bool),
		audioEncoders: make(map[string]bool),
		accelerators:  make(map[string]bool),
	}
}

// knownAccelerators is the set of hwaccel method tokens `ffmpeg -hwaccels`
// reports; anything else in that output is ignored.
var knownAccelerators = []string{"videotoolbox", "cuda", "nvenc", "qsv", "vaapi", "amf", "d3d11va"}

// Detect invokes the encoder tool's list mode and parses its line-oriented
// output. Unreadable or failing invocations leave Capabilities at its zero
// (empty-set) value rather than returning an error — the rest of the system
// treats "nothing detected" as a hard signal to fall back to software or skip,
// per spec §4.2.
func (c *Capabilities) Detect(ctx context.Context, encoderToolPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detected {
		return
	}
	c.detected = true

	detectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if out, err := exec.CommandContext(detectCtx, encoderToolPath, "-encoders", "-hide_banner").Output(); err == nil {
		parseEncoderList(string(out), c.videoEncoders, c.audioEncoders)
	}
	if out, err := exec.CommandContext(detectCtx, encoderToolPath, "-hwaccels", "-hide_banner").Output(); err == nil {
		for _, line := range strings.Split(string(out), "\n") {
			token := strings.TrimSpace(line)
			for _, known := range knownAccelerators {
				if token == known {
					c.accelerators[token] = true
				}
			}
		}
	}
	c.vaapiDevice = detectVAAPIDevice()
}

// detectVAAPIDevice returns the first /dev/dri/renderD* node found, or "" if
// none exists (e.g. a non-Linux host or a container without /dev/dri mounted).
func detectVAAPIDevice() string {
	entries, err := os.ReadDir("/dev/dri")
	if err != nil {
		return ""
	}
	var devices []string
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "renderD") {
			devices = append(devices, filepath.Join("/dev/dri", entry.Name()))
		}
	}
	sort.Strings(devices)
	if len(devices) > 0 {
		return devices[0]
	}
	return ""
}

// VAAPIDevicePath returns the auto-detected VAAPI render-node path, or "" if
// none was found. Implements planner.DevicePathProvider.
func (c *Capabilities) VAAPIDevicePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vaapiDevice
}

// parseEncoderList reads `ffmpeg -encoders` output. Each data line starts with
// a flag column (e.g. "V....D" for video, "A....." for audio) followed by the
// encoder name; header/banner lines lack that flag prefix and are skipped.
func parseEncoderList(output string, video, audio map[string]bool) {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		flags, name := fields[0], fields[1]
		if len(flags) == 0 || !strings.ContainsAny(flags[:1], "VA") {
			continue
		}
		if name == "=" { // legend line such as " V..... = Video"
			continue
		}
		switch flags[0] {
		case 'V':
			video[name] = true
		case 'A':
			audio[name] = true
		}
	}
}

// HasVideoEncoder reports whether the named encoder identifier was detected.
func (c *Capabilities) HasVideoEncoder(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.videoEncoders[name]
}

// HasAudioEncoder reports whether the named audio encoder was detected.
func (c *Capabilities) HasAudioEncoder(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.audioEncoders[name]
}

// HasAccelerator reports whether the named hardware accelerator is available.
func (c *Capabilities) HasAccelerator(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accelerators[name]
}

// Snapshot is an immutable, read-copied view of Capabilities suitable for
// handing to a single job so live re-detection (which never happens, but a
// future restart-triggered one might) can't alter an in-flight decision.
type Snapshot struct {
	VideoEncoders map[string]bool
	AudioEncoders map[string]bool
	Accelerators  map[string]bool
}

// Snapshot copies the current capability sets.
func (c *Capabilities) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Snapshot{
		VideoEncoders: make(map[string]bool, len(c.videoEncoders)),
		AudioEncoders: make(map[string]bool, len(c.audioEncoders)),
		Accelerators:  make(map[string]bool, len(c.accelerators)),
	}
	for k, v := range c.videoEncoders {
		s.VideoEncoders[k] = v
	}
	for k, v := range c.audioEncoders {
		s.AudioEncoders[k] = v
	}
	for k, v := range c.accelerators {
		s.Accelerators[k] = v
	}
	return s
}

// List returns the currently detected encoder and accelerator names, mainly
// for the API's /capabilities endpoint and the CLI's startup banner.
func (c *Capabilities) List() (encoders, accels []string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for name := range c.videoEncoders {
		encoders = append(encoders, name)
	}
	for name := range c.accelerators {
		accels = append(accels, name)
	}
	return encoders, accels
}
