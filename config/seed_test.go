package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeSeed(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadSeed_FullFile(t *testing.T) {
	path := writeSeed(t, `
[[groups]]
name = "lab-a"

[[vms]]
id = "vm-1"
group = "lab-a"
external_ip = "203.0.113.7"
internal_ip = "10.0.0.7"

[[vms]]
id = "vm-2"
`)

	seed, err := LoadSeed(path)
	if err != nil {
		t.Fatalf("load seed: %v", err)
	}

	if len(seed.VMs) != 2 || len(seed.Groups) != 1 {
		t.Fatalf("expected 2 vms and 1 group, got %d/%d", len(seed.VMs), len(seed.Groups))
	}

	resources := seed.Resources()
	if resources[0].ID != "vm-1" || resources[0].Group != "lab-a" || resources[0].ExternalIP != "203.0.113.7" {
		t.Errorf("unexpected first resource: %+v", resources[0])
	}
	if resources[1].Group != "" {
		t.Errorf("vm-2 should be ungrouped, got %q", resources[1].Group)
	}

	groups := seed.PoolGroups()
	if len(groups) != 1 || groups[0].Name != "lab-a" {
		t.Errorf("unexpected groups: %v", groups)
	}
}

func TestLoadSeed_Invalid(t *testing.T) {
	cases := map[string]string{
		"duplicate vm": `
[[vms]]
id = "vm-1"
[[vms]]
id = "vm-1"
`,
		"empty vm id": `
[[vms]]
id = ""
`,
		"duplicate group": `
[[groups]]
name = "lab-a"
[[groups]]
name = "lab-a"
`,
		"undeclared group": `
[[vms]]
id = "vm-1"
group = "nope"
`,
		"broken toml": `[[vms] id = `,
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadSeed(writeSeed(t, content)); err == nil {
				t.Errorf("%s should be rejected", name)
			}
		})
	}
}

func TestLoadSeed_MissingFile(t *testing.T) {
	if _, err := LoadSeed(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Error("missing seed file should be an error")
	}
}
