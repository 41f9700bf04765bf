package terraform

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// domainLine matches an availability_domain assignment in tfvars or HCL.
var domainLine = regexp.MustCompile(`availability_domain\s*=\s*"([^"]*)"`)

// tfvarsName is checked first; mainName is the fallback for older
// configurations that hardcode the domain in the resource block.
const (
	tfvarsName = "terraform.tfvars"
	mainName   = "main.tf"
)

// ReadDomain returns the availability domain pinned in the configuration
// directory, if any. terraform.tfvars wins over main.tf. An assignment with
// an empty value counts as not pinned.
func ReadDomain(configDir string) (string, bool) {
	for _, name := range []string{tfvarsName, mainName} {
		data, err := os.ReadFile(filepath.Join(configDir, name))
		if err != nil {
			continue
		}
		m := domainLine.FindSubmatch(data)
		if m != nil && len(m[1]) > 0 {
			return string(m[1]), true
		}
	}
	return "", false
}

// WriteDomain rewrites the availability_domain assignment in
// terraform.tfvars, falling back to main.tf. It returns an error when
// neither file carries an assignment to rewrite.
func WriteDomain(configDir, domain string) error {
	replacement := []byte(fmt.Sprintf("availability_domain = %q", domain))

	for _, name := range []string{tfvarsName, mainName} {
		path := filepath.Join(configDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if !domainLine.Match(data) {
			continue
		}
		updated := domainLine.ReplaceAll(data, replacement)
		if err := os.WriteFile(path, updated, 0644); err != nil {
			return fmt.Errorf("rewrite %s: %w", name, err)
		}
		return nil
	}

	return fmt.Errorf("no availability_domain assignment found in %s or %s", tfvarsName, mainName)
}
