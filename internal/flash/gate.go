package flash

import (
	"fmt"
	"slices"
	"time"
)

// Verdict is the outcome of a single gate check.
type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictWarn Verdict = "warn"
	VerdictFail Verdict = "fail"
)

// Gate check names. They are also the keys accepted by GateConfig.Disabled.
const (
	GateReachability      = "reachability"
	GateNotFlashing       = "not_flashing"
	GateFirmwareSize      = "firmware_size"
	GateArtifactIntegrity = "artifact_integrity"
	GateHWFamily          = "hw_family"
	GateChannelMatch      = "channel_match"
	GateModeSanity        = "mode_sanity"
	GateDeviceHealth      = "device_health"
)

// DefaultMinFirmwareSize rejects stub and placeholder builds.
const DefaultMinFirmwareSize int64 = 300 * 1024

// GateCheck is the verdict of one named check.
type GateCheck struct {
	Name    string
	Verdict Verdict
	Reason  string
}

// GateResult is the ordered outcome of a gate run.
type GateResult struct {
	Checks  []GateCheck
	Overall Verdict
}

// Failed returns the names of failed checks.
func (r GateResult) Failed() []string { return r.named(VerdictFail) }

// Warned returns the names of checks that warned.
func (r GateResult) Warned() []string { return r.named(VerdictWarn) }

func (r GateResult) named(v Verdict) []string {
	var names []string
	for _, c := range r.Checks {
		if c.Verdict == v {
			names = append(names, c.Name)
		}
	}
	return names
}

// Check returns the named check, if it ran.
func (r GateResult) Check(name string) (GateCheck, bool) {
	for _, c := range r.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return GateCheck{}, false
}

// GateConfig controls the preflight gates.
type GateConfig struct {
	TargetChannel              Channel
	OverrideChannel            bool
	MinFirmwareSize            int64
	MinFirmwareSizeByClass     map[string]int64
	FreshnessWindow            time.Duration
	ConfirmFactoryToProduction bool
	Disabled                   []string
}

// MinSizeFor returns the size threshold for a device class.
func (c GateConfig) MinSizeFor(class string) int64 {
	if n, ok := c.MinFirmwareSizeByClass[class]; ok && n > 0 {
		return n
	}
	if c.MinFirmwareSize > 0 {
		return c.MinFirmwareSize
	}
	return DefaultMinFirmwareSize
}

func (c GateConfig) enabled(name string) bool {
	return !slices.Contains(c.Disabled, name)
}

// GateInput is everything the evaluator looks at.
type GateInput struct {
	Device   *DeviceSnapshot
	Artifact *FirmwareArtifact
	Now      time.Time
	// OtherSessionActive is true when some session other than the caller's
	// holds the device.
	OtherSessionActive bool
}

type gateFunc func(in GateInput, cfg GateConfig) (Verdict, string)

var gates = []struct {
	name string
	fn   gateFunc
}{
	{GateReachability, checkReachability},
	{GateNotFlashing, checkNotFlashing},
	{GateFirmwareSize, checkFirmwareSize},
	{GateArtifactIntegrity, checkArtifactIntegrity},
	{GateHWFamily, checkHWFamily},
	{GateChannelMatch, checkChannelMatch},
	{GateModeSanity, checkModeSanity},
	{GateDeviceHealth, checkDeviceHealth},
}

// Evaluate runs every enabled gate against the device and artifact. It has
// no side effects.
func Evaluate(in GateInput, cfg GateConfig) GateResult {
	result := GateResult{Overall: VerdictPass}
	for _, g := range gates {
		if !cfg.enabled(g.name) {
			continue
		}
		v, reason := g.fn(in, cfg)
		result.Checks = append(result.Checks, GateCheck{Name: g.name, Verdict: v, Reason: reason})

		switch {
		case v == VerdictFail:
			result.Overall = VerdictFail
		case v == VerdictWarn && result.Overall == VerdictPass:
			result.Overall = VerdictWarn
		}
	}
	return result
}

func checkReachability(in GateInput, cfg GateConfig) (Verdict, string) {
	d := in.Device
	if d == nil {
		return VerdictFail, "no device snapshot"
	}
	if !d.Online {
		return VerdictFail, fmt.Sprintf("device %s is offline", d.ID)
	}
	if d.LastSeen.IsZero() {
		return VerdictFail, fmt.Sprintf("device %s has never been seen", d.ID)
	}
	age := in.Now.Sub(d.LastSeen)
	if cfg.FreshnessWindow > 0 && age > cfg.FreshnessWindow {
		return VerdictFail, fmt.Sprintf("last seen %s ago, limit %s", age.Truncate(time.Second), cfg.FreshnessWindow)
	}
	return VerdictPass, fmt.Sprintf("online, last seen %s ago", age.Truncate(time.Second))
}

func checkNotFlashing(in GateInput, _ GateConfig) (Verdict, string) {
	if in.OtherSessionActive {
		return VerdictFail, "another flash session is active for this device"
	}
	return VerdictPass, "no other active session"
}

func checkFirmwareSize(in GateInput, cfg GateConfig) (Verdict, string) {
	if in.Artifact == nil {
		return VerdictFail, "no firmware artifact"
	}
	class := ""
	if in.Device != nil {
		class = in.Device.Class
	}
	limit := cfg.MinSizeFor(class)
	size := in.Artifact.Size()
	if size < limit {
		return VerdictFail, fmt.Sprintf("firmware too small: %d bytes (minimum %d bytes)", size, limit)
	}
	return VerdictPass, fmt.Sprintf("%d bytes (minimum %d)", size, limit)
}

func checkArtifactIntegrity(in GateInput, _ GateConfig) (Verdict, string) {
	a := in.Artifact
	if a == nil {
		return VerdictFail, "no firmware artifact"
	}
	if a.DeclaredSize != a.Size() {
		return VerdictFail, fmt.Sprintf("declared size %d, image is %d bytes", a.DeclaredSize, a.Size())
	}
	if a.DeclaredSHA256 == "" {
		return VerdictPass, "no declared checksum, computed " + a.HashHex()
	}
	if a.DeclaredSHA256 != a.HashHex() {
		return VerdictFail, fmt.Sprintf("sha256 mismatch: manifest %s, image %s", a.DeclaredSHA256, a.HashHex())
	}
	return VerdictPass, "sha256 " + a.HashHex()
}

func checkHWFamily(in GateInput, _ GateConfig) (Verdict, string) {
	if in.Device == nil || in.Artifact == nil {
		return VerdictFail, "missing device or artifact"
	}
	dev, art := in.Device.HWFamily, in.Artifact.HWFamily
	if dev == "" || art == "" {
		return VerdictPass, "hardware family not declared"
	}
	if dev != art {
		return VerdictFail, fmt.Sprintf("artifact built for %q, device is %q", art, dev)
	}
	return VerdictPass, dev
}

func checkChannelMatch(in GateInput, cfg GateConfig) (Verdict, string) {
	if in.Artifact == nil {
		return VerdictFail, "no firmware artifact"
	}
	target := cfg.TargetChannel
	if target == "" {
		target = ChannelStable
	}
	if in.Artifact.Channel == target {
		return VerdictPass, string(target)
	}
	if cfg.OverrideChannel {
		return VerdictPass, fmt.Sprintf("channel %q overridden (target %q)", in.Artifact.Channel, target)
	}
	return VerdictWarn, fmt.Sprintf("artifact channel %q differs from target %q", in.Artifact.Channel, target)
}

func checkModeSanity(in GateInput, cfg GateConfig) (Verdict, string) {
	if in.Device == nil || in.Artifact == nil {
		return VerdictFail, "missing device or artifact"
	}
	if in.Device.Mode != ModeFactory || in.Artifact.Kind != KindProduction {
		return VerdictPass, fmt.Sprintf("%s device, %s firmware", in.Device.Mode, in.Artifact.Kind)
	}
	if !cfg.ConfirmFactoryToProduction {
		return VerdictFail, "factory device would be moved to production firmware without confirmation"
	}
	return VerdictPass, "factory to production confirmed"
}

func checkDeviceHealth(in GateInput, _ GateConfig) (Verdict, string) {
	if in.Device == nil {
		return VerdictFail, "no device snapshot"
	}
	if !in.Device.HealthNominal() {
		return VerdictWarn, fmt.Sprintf("health is %q", in.Device.Health)
	}
	return VerdictPass, "nominal"
}
