// Package config parses the daemon's command line and optional YAML
// supplement into a list of device declarations.
//
// The --device grammar is grounded on
// original_source/tools/virtio.c's create_virtio_device_from_cmd (comma/
// equals-token parsing, addr/len in hex, irq/zone_id in decimal, img valid
// only for blk, tap only for net); the kong-based CLI struct follows
// bobuhiro11-gokvm's flag/runs.go (adapted at [[flag]] for this daemon's
// single repeatable --device flag instead of boot/probe subcommands); the
// optional YAML supplement uses gopkg.in/yaml.v3, following tinyrange-cc's
// config-file convention.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/alecthomas/kong"
	"gopkg.in/yaml.v3"

	"github.com/hvisor-tool/virtiod/device"
)

// DeviceSpec is one --device=... declaration or YAML device entry.
type DeviceSpec struct {
	Type   device.Type
	Addr   uint64
	Len    uint64
	IRQ    uint32
	ZoneID uint32
	Img    string `yaml:"img,omitempty"`
	Tap    string `yaml:"tap,omitempty"`
}

// yamlDeviceSpec mirrors DeviceSpec with a string Type field, for the
// human-facing YAML surface (yaml.v3 has no notion of device.Type's
// String()-based encoding).
type yamlDeviceSpec struct {
	Type   string `yaml:"type"`
	Addr   string `yaml:"addr"`
	Len    string `yaml:"len"`
	IRQ    uint32 `yaml:"irq"`
	ZoneID uint32 `yaml:"zone_id"`
	Img    string `yaml:"img,omitempty"`
	Tap    string `yaml:"tap,omitempty"`
}

type yamlFile struct {
	Devices []yamlDeviceSpec `yaml:"devices"`
}

// CLI is the daemon's command-line surface.
type CLI struct {
	HvisorDev string   `name:"hvisor-dev" default:"/dev/hvisor" help:"path of the kernel character device (not consulted: the mailbox is always opened at /dev/hvisor)"`
	Device    []string `name:"device" short:"d" help:"declare a virtio device: type,addr=<hex>,len=<hex>,irq=<dec>,zone_id=<dec>[,img=<path>|tap=<ifname>]"`
	ConfigFile string  `name:"config" short:"c" help:"optional YAML file with additional device declarations"`

	LogLevel string `name:"log-level" default:"warn" enum:"trace,debug,info,warn,error" help:"minimum log level"`
	LogFile  string `name:"log-file" help:"additional sink for log output, in addition to stderr"`

	Debug     bool   `help:"expose pprof, fgprof and debugcharts endpoints"`
	DebugAddr string `name:"debug-addr" default:"127.0.0.1:6060" help:"listen address for --debug endpoints"`

	Profile string `enum:",cpu,mem,trace,block,goroutine" help:"enable a github.com/pkg/profile profiling mode for this run"`
}

// Parse parses args (excluding argv[0]) via kong into a CLI plus the
// combined set of device declarations from --device flags and, if given,
// --config.
func Parse(args []string) (*CLI, []DeviceSpec, error) {
	c := &CLI{}

	p, err := kong.New(c,
		kong.Name("virtiod"),
		kong.Description("userspace virtio-mmio transport daemon for hvisor non-root zones"),
		kong.UsageOnError(),
	)
	if err != nil {
		return nil, nil, err
	}

	if _, err := p.Parse(args); err != nil {
		return nil, nil, err
	}

	specs := make([]DeviceSpec, 0, len(c.Device))

	for _, raw := range c.Device {
		spec, err := ParseDeviceSpec(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("--device=%q: %w", raw, err)
		}

		specs = append(specs, spec)
	}

	if c.ConfigFile != "" {
		fromFile, err := LoadFile(c.ConfigFile)
		if err != nil {
			return nil, nil, err
		}

		specs = append(specs, fromFile...)
	}

	return c, specs, nil
}

// ParseDeviceSpec parses one comma-separated --device value: a leading
// type token followed by key=value pairs, matching
// create_virtio_device_from_cmd's grammar and validation exactly (all of
// addr/len/irq/zone_id mandatory and non-zero; img only for blk, tap only
// for net).
func ParseDeviceSpec(s string) (DeviceSpec, error) {
	var spec DeviceSpec

	tokens := strings.Split(s, ",")
	if len(tokens) == 0 || tokens[0] == "" {
		return spec, fmt.Errorf("missing device type")
	}

	switch tokens[0] {
	case "blk":
		spec.Type = device.TypeBlock
	case "net":
		spec.Type = device.TypeNet
	case "console":
		spec.Type = device.TypeConsole
	default:
		return spec, fmt.Errorf("unknown device type %q", tokens[0])
	}

	var haveAddr, haveLen, haveIRQ, haveZone bool

	for _, tok := range tokens[1:] {
		key, value, ok := strings.Cut(tok, "=")
		if !ok {
			return spec, fmt.Errorf("malformed key=value pair %q", tok)
		}

		switch key {
		case "addr":
			v, err := strconv.ParseUint(value, 16, 64)
			if err != nil {
				return spec, fmt.Errorf("addr: %w", err)
			}

			spec.Addr = v
			haveAddr = true
		case "len":
			v, err := strconv.ParseUint(value, 16, 64)
			if err != nil {
				return spec, fmt.Errorf("len: %w", err)
			}

			spec.Len = v
			haveLen = true
		case "irq":
			v, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return spec, fmt.Errorf("irq: %w", err)
			}

			spec.IRQ = uint32(v)
			haveIRQ = true
		case "zone_id":
			v, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return spec, fmt.Errorf("zone_id: %w", err)
			}

			spec.ZoneID = uint32(v)
			haveZone = true
		case "img":
			if spec.Type != device.TypeBlock {
				return spec, fmt.Errorf("img is only valid for blk devices")
			}

			spec.Img = value
		case "tap":
			if spec.Type != device.TypeNet {
				return spec, fmt.Errorf("tap is only valid for net devices")
			}

			spec.Tap = value
		default:
			return spec, fmt.Errorf("unknown key %q", key)
		}
	}

	if !haveAddr || spec.Addr == 0 {
		return spec, fmt.Errorf("addr is mandatory and must be non-zero")
	}

	if !haveLen || spec.Len == 0 {
		return spec, fmt.Errorf("len is mandatory and must be non-zero")
	}

	if !haveIRQ || spec.IRQ == 0 {
		return spec, fmt.Errorf("irq is mandatory and must be non-zero")
	}

	if !haveZone || spec.ZoneID == 0 {
		return spec, fmt.Errorf("zone_id is mandatory and must be non-zero")
	}

	return spec, nil
}

// LoadFile reads a YAML supplement to --device flags.
func LoadFile(path string) ([]DeviceSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var f yamlFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	specs := make([]DeviceSpec, 0, len(f.Devices))

	for _, d := range f.Devices {
		spec, err := fromYAML(d)
		if err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}

		specs = append(specs, spec)
	}

	return specs, nil
}

func fromYAML(d yamlDeviceSpec) (DeviceSpec, error) {
	parts := []string{d.Type}

	if d.Addr != "" {
		parts = append(parts, "addr="+strings.TrimPrefix(d.Addr, "0x"))
	}

	if d.Len != "" {
		parts = append(parts, "len="+strings.TrimPrefix(d.Len, "0x"))
	}

	parts = append(parts, fmt.Sprintf("irq=%d", d.IRQ), fmt.Sprintf("zone_id=%d", d.ZoneID))

	if d.Img != "" {
		parts = append(parts, "img="+d.Img)
	}

	if d.Tap != "" {
		parts = append(parts, "tap="+d.Tap)
	}

	return ParseDeviceSpec(strings.Join(parts, ","))
}
