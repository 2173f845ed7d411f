package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kylelemons/godebug/pretty"

	"github.com/hvisor-tool/virtiod/config"
	"github.com/hvisor-tool/virtiod/device"
)

func TestParseDeviceSpecBlock(t *testing.T) {
	t.Parallel()

	spec, err := config.ParseDeviceSpec("blk,addr=10000000,len=1000,irq=33,zone_id=1,img=/tmp/disk.img")
	if err != nil {
		t.Fatalf("ParseDeviceSpec: %v", err)
	}

	if spec.Type != device.TypeBlock {
		t.Fatalf("Type = %v, want blk", spec.Type)
	}

	if spec.Addr != 0x10000000 {
		t.Fatalf("Addr = %#x, want 0x10000000", spec.Addr)
	}

	if spec.Len != 0x1000 {
		t.Fatalf("Len = %#x, want 0x1000", spec.Len)
	}

	if spec.IRQ != 33 {
		t.Fatalf("IRQ = %d, want 33", spec.IRQ)
	}

	if spec.ZoneID != 1 {
		t.Fatalf("ZoneID = %d, want 1", spec.ZoneID)
	}

	if spec.Img != "/tmp/disk.img" {
		t.Fatalf("Img = %q, want /tmp/disk.img", spec.Img)
	}
}

func TestParseDeviceSpecNetAndConsole(t *testing.T) {
	t.Parallel()

	net, err := config.ParseDeviceSpec("net,addr=20000000,len=200,irq=34,zone_id=2,tap=tap0")
	if err != nil {
		t.Fatalf("ParseDeviceSpec(net): %v", err)
	}

	if net.Type != device.TypeNet || net.Tap != "tap0" {
		t.Fatalf("net = %+v", net)
	}

	console, err := config.ParseDeviceSpec("console,addr=30000000,len=100,irq=35,zone_id=2")
	if err != nil {
		t.Fatalf("ParseDeviceSpec(console): %v", err)
	}

	if console.Type != device.TypeConsole {
		t.Fatalf("console.Type = %v, want console", console.Type)
	}
}

func TestParseDeviceSpecRejectsMissingMandatoryFields(t *testing.T) {
	t.Parallel()

	cases := []string{
		"blk,len=1000,irq=33,zone_id=1",
		"blk,addr=10000000,irq=33,zone_id=1",
		"blk,addr=10000000,len=1000,zone_id=1",
		"blk,addr=10000000,len=1000,irq=33",
		"blk,addr=0,len=1000,irq=33,zone_id=1",
	}

	for _, c := range cases {
		if _, err := config.ParseDeviceSpec(c); err == nil {
			t.Errorf("ParseDeviceSpec(%q): expected an error, got none", c)
		}
	}
}

func TestParseDeviceSpecRejectsWrongDeviceKeys(t *testing.T) {
	t.Parallel()

	if _, err := config.ParseDeviceSpec("net,addr=1,len=1,irq=1,zone_id=1,img=/tmp/x"); err == nil {
		t.Error("expected img to be rejected for net devices")
	}

	if _, err := config.ParseDeviceSpec("blk,addr=1,len=1,irq=1,zone_id=1,tap=tap0"); err == nil {
		t.Error("expected tap to be rejected for blk devices")
	}

	if _, err := config.ParseDeviceSpec("blk,addr=1,len=1,irq=1,zone_id=1,bogus=1"); err == nil {
		t.Error("expected an unknown key to be rejected")
	}

	if _, err := config.ParseDeviceSpec("scsi,addr=1,len=1,irq=1,zone_id=1"); err == nil {
		t.Error("expected an unknown device type to be rejected")
	}
}

func TestLoadFileYAML(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "devices.yaml")

	contents := `
devices:
  - type: blk
    addr: "0x10000000"
    len: "0x1000"
    irq: 33
    zone_id: 1
    img: /tmp/disk.img
  - type: net
    addr: "0x20000000"
    len: "0x200"
    irq: 34
    zone_id: 2
    tap: tap0
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	specs, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if len(specs) != 2 {
		t.Fatalf("len(specs) = %d, want 2", len(specs))
	}

	want := config.DeviceSpec{
		Type:   device.TypeBlock,
		Addr:   0x10000000,
		Len:    0x1000,
		IRQ:    33,
		ZoneID: 1,
		Img:    "/tmp/disk.img",
	}

	if diff := pretty.Compare(want, specs[0]); diff != "" {
		t.Fatalf("specs[0] mismatch (-want +got):\n%s", diff)
	}

	if specs[1].Type != device.TypeNet || specs[1].Tap != "tap0" {
		t.Fatalf("specs[1] = %+v", specs[1])
	}
}
