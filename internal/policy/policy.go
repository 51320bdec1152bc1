// Package policy decides whether sandboxed code may open an outbound
// connection. Rules are ordered, first match wins, and anything unmatched is
// denied.
package policy

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/wudi/funcrun/internal/model"
)

// rule is one compiled policy entry.
type rule struct {
	allow    bool
	prefix   netip.Prefix // ip/cidr targets
	isPrefix bool
	domain   string // domain targets, lowercase
	wildcard bool   // "*.example.com": subdomains only, never the apex
}

// RuleSet is an ordered, compiled rule list.
type RuleSet struct {
	rules []rule
}

// Compile translates stored rules into a matchable set. Rules that fail to
// parse are skipped; admission validation keeps them out of the store in the
// first place.
func Compile(src []model.NetworkRule) *RuleSet {
	rs := &RuleSet{}
	for _, r := range src {
		c := rule{allow: r.Action == model.RuleAllow}
		switch r.TargetType {
		case model.TargetIP:
			addr, err := netip.ParseAddr(r.TargetValue)
			if err != nil {
				continue
			}
			c.prefix = netip.PrefixFrom(addr, addr.BitLen())
			c.isPrefix = true
		case model.TargetCIDR:
			p, err := netip.ParsePrefix(r.TargetValue)
			if err != nil {
				continue
			}
			c.prefix = p.Masked()
			c.isPrefix = true
		case model.TargetDomain:
			d := strings.ToLower(strings.TrimSuffix(r.TargetValue, "."))
			if rest, ok := strings.CutPrefix(d, "*."); ok {
				c.domain = rest
				c.wildcard = true
			} else {
				c.domain = d
			}
		default:
			continue
		}
		rs.rules = append(rs.rules, c)
	}
	return rs
}

// match returns the index of the first rule matching the host name or, when
// haveAddr is set, the resolved address.
func (rs *RuleSet) match(host string, addr netip.Addr, haveAddr bool) (int, bool) {
	for i, r := range rs.rules {
		if r.isPrefix {
			if haveAddr && r.prefix.Contains(addr.Unmap()) {
				return i, true
			}
			continue
		}
		if r.wildcard {
			if strings.HasSuffix(host, "."+r.domain) {
				return i, true
			}
			continue
		}
		if host == r.domain {
			return i, true
		}
	}
	return 0, false
}

// Match evaluates host (the dialed name, possibly a raw IP literal) and the
// addresses it resolved to. Every address must hit the same rule and that
// rule must allow; addresses split across rules are never allowed.
func (rs *RuleSet) Match(host string, addrs []netip.Addr) (allow, matched bool) {
	host = normalizeHost(host)
	if len(addrs) == 0 {
		i, ok := rs.match(host, netip.Addr{}, false)
		if !ok {
			return false, false
		}
		return rs.rules[i].allow, true
	}
	first := -1
	for _, a := range addrs {
		i, ok := rs.match(host, a, true)
		if !ok {
			return false, false
		}
		if first == -1 {
			first = i
			continue
		}
		if i != first {
			return false, true
		}
	}
	return rs.rules[first].allow, true
}

func normalizeHost(host string) string {
	return strings.ToLower(strings.TrimSuffix(host, "."))
}

// Decision records which tier decided and why, for execution logs.
type Decision struct {
	Allowed bool
	Tier    string // "project", "global", or "default"
}

func (d Decision) String() string {
	verdict := "denied"
	if d.Allowed {
		verdict = "allowed"
	}
	return fmt.Sprintf("%s by %s policy", verdict, d.Tier)
}

// effective identifies one rule inside the project-then-global sequence.
type effective struct {
	tier string
	rule int
}

func matchSequence(project, global *RuleSet, host string, addr netip.Addr, haveAddr bool) (effective, bool, bool) {
	if project != nil {
		if i, ok := project.match(host, addr, haveAddr); ok {
			return effective{"project", i}, project.rules[i].allow, true
		}
	}
	if global != nil {
		if i, ok := global.match(host, addr, haveAddr); ok {
			return effective{"global", i}, global.rules[i].allow, true
		}
	}
	return effective{}, false, false
}

// Evaluate applies project rules, then global rules, then the default deny.
// Each resolved address is matched independently against the full sequence;
// the connection is allowed only when every address lands on the same rule
// and that rule allows. Any unmatched address, deny or rule disagreement is
// a denial, so a host cannot smuggle a blocked address in behind an allowed
// one.
func Evaluate(project, global *RuleSet, host string, addrs []netip.Addr) Decision {
	host = normalizeHost(host)
	if len(addrs) == 0 {
		if eff, allow, ok := matchSequence(project, global, host, netip.Addr{}, false); ok {
			return Decision{Allowed: allow, Tier: eff.tier}
		}
		return Decision{Allowed: false, Tier: "default"}
	}

	var first effective
	for i, a := range addrs {
		eff, allow, ok := matchSequence(project, global, host, a, true)
		if !ok {
			return Decision{Allowed: false, Tier: "default"}
		}
		if !allow {
			return Decision{Allowed: false, Tier: eff.tier}
		}
		if i == 0 {
			first = eff
			continue
		}
		if eff != first {
			return Decision{Allowed: false, Tier: "default"}
		}
	}
	return Decision{Allowed: true, Tier: first.tier}
}
