package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"klipper-probecal/pkg/errors"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "printer.cfg")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAutosaveSetStagesChange(t *testing.T) {
	ac, err := LoadAutosave(writeConfig(t, "[probe]\nz_offset: 1.0\n"))
	if err != nil {
		t.Fatalf("LoadAutosave failed: %v", err)
	}
	if ac.HasChanges() {
		t.Error("expected no changes after load")
	}

	ac.Set("probe", "z_offset", "-1.800")
	if !ac.HasChanges() {
		t.Error("expected HasChanges to return true")
	}
	if got := ac.GetModifiedSections(); len(got) != 1 || got[0] != "probe" {
		t.Errorf("expected [probe], got %v", got)
	}
	probe, _ := ac.GetSection("probe")
	if v, _ := probe.GetFloat("z_offset"); v != -1.8 {
		t.Errorf("expected staged value visible, got %v", v)
	}

	ac.ClearChanges()
	if ac.HasChanges() {
		t.Error("expected changes cleared")
	}
}

func TestAutosaveWritesBlock(t *testing.T) {
	path := writeConfig(t, "[printer]\nkinematics: cartesian\n\n[probe]\nz_offset: 1.0\nspeed: 5\n")
	ac, _ := LoadAutosave(path)
	ac.Set("probe", "z_offset", "-1.800")

	if err := ac.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if ac.HasChanges() {
		t.Error("expected changes cleared after save")
	}

	data, _ := os.ReadFile(path)
	text := string(data)
	if !strings.Contains(text, "#z_offset: 1.0") {
		t.Errorf("expected overridden body option commented out:\n%s", text)
	}
	if !strings.Contains(text, "speed: 5") {
		t.Errorf("expected other options untouched:\n%s", text)
	}
	if !strings.HasSuffix(text, autosaveHeader+"\n"+autosaveNotice+"\n#*#\n#*# [probe]\n#*# z_offset = -1.800\n") {
		t.Errorf("unexpected SAVE_CONFIG block:\n%s", text)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	probe, _ := reloaded.GetSection("probe")
	if v, _ := probe.GetFloat("z_offset"); v != -1.8 {
		t.Errorf("expected -1.8 after reload, got %v", v)
	}

	backups, _ := filepath.Glob(filepath.Join(filepath.Dir(path), "printer-*.cfg"))
	if len(backups) != 1 {
		t.Errorf("expected one backup, got %v", backups)
	}
}

func TestAutosaveMergesExistingBlock(t *testing.T) {
	path := writeConfig(t, `[probe]
z_offset: 1.0

#*# <---------------------- SAVE_CONFIG ---------------------->
#*# DO NOT EDIT THIS BLOCK OR BELOW. The contents are auto-generated.
#*#
#*# [bed_mesh default]
#*# version = 1
#*#
#*# [probe]
#*# z_offset = -1.500
`)
	ac, _ := LoadAutosave(path)
	ac.Set("probe", "z_offset", "-1.750")
	if err := ac.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, _ := os.ReadFile(path)
	text := string(data)
	if strings.Count(text, autosaveHeader) != 1 {
		t.Errorf("expected a single block:\n%s", text)
	}
	if !strings.Contains(text, "#*# version = 1") {
		t.Errorf("expected other saved sections kept:\n%s", text)
	}
	if strings.Contains(text, "-1.500") || !strings.Contains(text, "#*# z_offset = -1.750") {
		t.Errorf("expected z_offset replaced:\n%s", text)
	}
}

func TestAutosaveNoPath(t *testing.T) {
	cfg, _ := LoadString("[probe]\nz_offset: 1\n")
	ac := NewAutosaveConfig(cfg, "")
	ac.Set("probe", "z_offset", "2")
	if err := ac.Save(); !errors.Is(err, errors.ErrStorage) {
		t.Errorf("expected STORAGE error, got %v", err)
	}
}

func TestAutosaveNothingPending(t *testing.T) {
	path := writeConfig(t, "[probe]\nz_offset: 1\n")
	ac, _ := LoadAutosave(path)
	if err := ac.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "[probe]\nz_offset: 1\n" {
		t.Errorf("expected file untouched, got %q", data)
	}
}
