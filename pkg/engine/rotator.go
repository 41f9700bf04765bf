package engine

// DomainRotator cycles round-robin through a fixed, ordered list of
// availability domains. The list is validated non-empty at construction so a
// run can never start with nothing to try. Wrap-around is intentional:
// capacity comes back over time, so a short domain list with a high attempt
// budget revisits domains.
type DomainRotator struct {
	domains []string
	index   int
}

// NewDomainRotator creates a rotator over the given domains. It returns a
// configuration error if the list is empty or contains duplicates.
func NewDomainRotator(domains []string) (*DomainRotator, error) {
	if len(domains) == 0 {
		return nil, NewConfigError("availability domain list is empty", nil).
			WithCode(ErrCodeValidation)
	}

	seen := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		if d == "" {
			return nil, NewConfigError("availability domain list contains an empty entry", nil).
				WithCode(ErrCodeValidation)
		}
		if _, dup := seen[d]; dup {
			return nil, NewConfigError("duplicate availability domain: "+d, nil).
				WithCode(ErrCodeValidation)
		}
		seen[d] = struct{}{}
	}

	out := make([]string, len(domains))
	copy(out, domains)
	return &DomainRotator{domains: out}, nil
}

// Current returns the domain for the next attempt.
func (r *DomainRotator) Current() string {
	return r.domains[r.index]
}

// Advance moves to the next domain, wrapping to the start after the last.
func (r *DomainRotator) Advance() {
	r.index = (r.index + 1) % len(r.domains)
}

// Len returns the number of domains in the rotation.
func (r *DomainRotator) Len() int {
	return len(r.domains)
}

// Domains returns a copy of the rotation list in order.
func (r *DomainRotator) Domains() []string {
	out := make([]string, len(r.domains))
	copy(out, r.domains)
	return out
}
