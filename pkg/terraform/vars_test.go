package terraform

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestReadDomainFromTfvars(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "terraform.tfvars", `region = "us-ashburn-1"
availability_domain = "tenancy:US-ASHBURN-AD-1"
shape = "VM.Standard.A1.Flex"
`)

	domain, ok := ReadDomain(dir)
	if !ok {
		t.Fatal("expected domain to be found")
	}
	if domain != "tenancy:US-ASHBURN-AD-1" {
		t.Errorf("unexpected domain: %s", domain)
	}
}

func TestReadDomainEmptyValueNotPinned(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "terraform.tfvars", `availability_domain = ""`)

	if _, ok := ReadDomain(dir); ok {
		t.Error("empty assignment must not count as pinned")
	}
}

func TestReadDomainFallsBackToMainTf(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.tf", `resource "oci_core_instance" "vm" {
  availability_domain = "tenancy:US-ASHBURN-AD-2"
}
`)

	domain, ok := ReadDomain(dir)
	if !ok || domain != "tenancy:US-ASHBURN-AD-2" {
		t.Errorf("expected main.tf fallback, got %q ok=%v", domain, ok)
	}
}

func TestReadDomainMissingFiles(t *testing.T) {
	if _, ok := ReadDomain(t.TempDir()); ok {
		t.Error("expected no domain in empty directory")
	}
}

func TestWriteDomainRewritesTfvars(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "terraform.tfvars", `region = "us-ashburn-1"
availability_domain = "tenancy:US-ASHBURN-AD-1"
`)

	if err := WriteDomain(dir, "tenancy:US-ASHBURN-AD-3"); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "terraform.tfvars"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `availability_domain = "tenancy:US-ASHBURN-AD-3"`) {
		t.Errorf("tfvars not rewritten: %s", data)
	}
	if !strings.Contains(string(data), `region = "us-ashburn-1"`) {
		t.Error("unrelated lines must be preserved")
	}
}

func TestWriteDomainFallsBackToMainTf(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.tf", `availability_domain = "old"`)

	if err := WriteDomain(dir, "new"); err != nil {
		t.Fatal(err)
	}

	data, _ := os.ReadFile(filepath.Join(dir, "main.tf"))
	if !strings.Contains(string(data), `availability_domain = "new"`) {
		t.Errorf("main.tf not rewritten: %s", data)
	}
}

func TestWriteDomainNoAssignment(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "terraform.tfvars", `region = "us-ashburn-1"`)

	if err := WriteDomain(dir, "AD-1"); err == nil {
		t.Error("expected error when no assignment exists")
	}
}
