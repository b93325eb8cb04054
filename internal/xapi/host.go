package xapi

import (
	"context"
	"sort"
	"strings"
)

// Host is one pollable XenServer host.
type Host struct {
	Ref     string
	UUID    string
	Name    string
	Address string
	Enabled bool
}

// String returns the name used in logs and capture file names.
func (h Host) String() string {
	if h.Name != "" {
		return h.Name
	}
	return h.Address
}

func hostFromRecord(ref string, rec map[string]interface{}) Host {
	h := Host{Ref: ref, Enabled: true}
	h.UUID, _ = rec["uuid"].(string)
	h.Name, _ = rec["name_label"].(string)
	h.Address, _ = rec["address"].(string)
	if enabled, ok := rec["enabled"].(bool); ok {
		h.Enabled = enabled
	}
	return h
}

// StaticHosts serves a fixed host list instead of asking the pool master.
type StaticHosts struct {
	hosts []Host
}

// NewStaticHosts builds a host source from addresses. Blank entries are
// skipped; the address doubles as the host name.
func NewStaticHosts(addresses []string) *StaticHosts {
	hosts := make([]Host, 0, len(addresses))
	for _, addr := range addresses {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		hosts = append(hosts, Host{Name: addr, Address: addr, Enabled: true})
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].Name < hosts[j].Name })
	return &StaticHosts{hosts: hosts}
}

// Hosts returns a copy of the configured list.
func (s *StaticHosts) Hosts(ctx context.Context) ([]Host, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]Host, len(s.hosts))
	copy(out, s.hosts)
	return out, nil
}
