package allowlist

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"
)

// AllowList is an ordered, immutable set of permitted network prefixes.
// The zero value denies everything.
type AllowList struct {
	prefixes []netip.Prefix
}

// Permit reports whether addr falls inside any prefix. No match, an
// invalid address or an empty list all deny.
func (a *AllowList) Permit(addr netip.Addr) bool {
	if a == nil || !addr.IsValid() {
		return false
	}
	// Zoned addresses never match a prefix.
	addr = addr.Unmap().WithZone("")

	for _, p := range a.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// PermitString parses addr (with or without a port) and calls Permit.
func (a *AllowList) PermitString(addr string) bool {
	if ap, err := netip.ParseAddrPort(addr); err == nil {
		return a.Permit(ap.Addr())
	}
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return false
	}
	return a.Permit(ip)
}

// Len returns the number of prefixes.
func (a *AllowList) Len() int {
	if a == nil {
		return 0
	}
	return len(a.prefixes)
}

// Prefixes returns the prefixes in evaluation order.
func (a *AllowList) Prefixes() []netip.Prefix {
	out := make([]netip.Prefix, a.Len())
	if a != nil {
		copy(out, a.prefixes)
	}
	return out
}

// Merge returns a new list holding a's prefixes followed by other's.
func (a *AllowList) Merge(other *AllowList) *AllowList {
	merged := &AllowList{}
	merged.prefixes = append(merged.prefixes, a.Prefixes()...)
	merged.prefixes = append(merged.prefixes, other.Prefixes()...)
	return merged
}

// FromPrefixes builds a list from CIDR strings. A bare address becomes a
// single-host prefix. Any invalid entry fails the whole list.
func FromPrefixes(entries []string) (*AllowList, error) {
	a := &AllowList{prefixes: make([]netip.Prefix, 0, len(entries))}
	for i, e := range entries {
		p, err := ParsePrefix(e)
		if err != nil {
			return nil, fmt.Errorf("allow list entry %d: %w", i, err)
		}
		a.prefixes = append(a.prefixes, p)
	}
	return a, nil
}

// Parse reads one prefix per line. Blank lines and '#' comments are skipped.
func Parse(r io.Reader) (*AllowList, error) {
	a := &AllowList{}
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}

		p, err := ParsePrefix(text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		a.prefixes = append(a.prefixes, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read allow list: %w", err)
	}
	return a, nil
}

// Load reads the allow list file at path.
func Load(path string) (*AllowList, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open allow list: %w", err)
	}
	defer f.Close()

	a, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return a, nil
}

// ParsePrefix parses a CIDR or a bare address. The result is masked so
// 10.1.2.3/8 and 10.0.0.0/8 are equal.
func ParsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid prefix %q: %w", s, err)
		}
		if p.Addr().Is4In6() && p.Bits() >= 96 {
			p = netip.PrefixFrom(p.Addr().Unmap(), p.Bits()-96)
		}
		return p.Masked(), nil
	}

	ip, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	ip = ip.Unmap()
	return netip.PrefixFrom(ip, ip.BitLen()), nil
}
