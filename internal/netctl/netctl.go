// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

// Package netctl wraps the kernel netlink protocol (via vishvananda/netlink):
// adding/removing IPv4 routes and policy rules, and querying interface
// addresses.
package netctl

import (
	"net"

	"github.com/vishvananda/netlink"

	"grimm.is/tunwall/internal/errors"
	"grimm.is/tunwall/internal/logging"
)

// AddrInfo is one (ifindex, ifname, CIDR) triple from the host's address table.
type AddrInfo struct {
	IfIndex int
	IfName  string
	CIDR    string
}

// Controller issues netlink requests. Besides DryRun/logger it holds no
// state of its own; every call is a fresh netlink transaction, matching the
// orchestrator's "netlink operations are serialized by the orchestrator"
// resource policy.
type Controller struct {
	DryRun bool
	logger *logging.Logger
}

// New returns a Controller. When dryRun is set, every mutating call logs
// what it would have done and returns nil instead of issuing the netlink
// request, matching cmdrunner.Runner's --dry-run contract.
func New(dryRun bool) *Controller {
	return &Controller{DryRun: dryRun, logger: logging.New(logging.DefaultConfig()).WithComponent("netctl")}
}

// wrapNetlink maps any netlink transport/request error onto the single
// netlink-request-failed fault class.
func wrapNetlink(err error, msgFmt string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, errors.KindNetlinkFailed, msgFmt, args...)
}

// skip reports whether c is in dry-run mode, logging the action it is
// standing in for so --dry-run output still shows every mutation that would
// have run.
func (c *Controller) skip(action string, kv ...any) bool {
	if !c.DryRun {
		return false
	}
	c.logger.Info("dry-run: skipping "+action, kv...)
	return true
}

// ListIPv4Addrs yields (ifindex, ifname, CIDR) for every IPv4 address on the
// host, used to detect TUN CIDR overlap before the interface is created.
func (c *Controller) ListIPv4Addrs() ([]AddrInfo, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, wrapNetlink(err, "list links")
	}

	var out []AddrInfo
	for _, link := range links {
		addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
		if err != nil {
			return nil, wrapNetlink(err, "list addresses on %s", link.Attrs().Name)
		}
		for _, a := range addrs {
			if a.IPNet == nil {
				continue
			}
			out = append(out, AddrInfo{
				IfIndex: link.Attrs().Index,
				IfName:  link.Attrs().Name,
				CIDR:    a.IPNet.String(),
			})
		}
	}
	return out, nil
}

// CIDROverlaps reports whether cidr overlaps any address already present on
// the host, a required property of the TUN CIDR.
func CIDROverlaps(cidr string, existing []AddrInfo) (bool, error) {
	_, want, err := net.ParseCIDR(cidr)
	if err != nil {
		return false, errors.Wrapf(err, errors.KindValidation, "invalid CIDR %q", cidr)
	}
	for _, a := range existing {
		_, have, err := net.ParseCIDR(a.CIDR)
		if err != nil {
			continue
		}
		if have.Contains(want.IP) || want.Contains(have.IP) {
			return true, nil
		}
	}
	return false, nil
}

// LinkUp assigns addr (CIDR) to ifName and brings the link up.
func (c *Controller) LinkUp(ifName, cidr string) error {
	if c.skip("assign address and bring up link", "ifname", ifName, "cidr", cidr) {
		return nil
	}

	link, err := netlink.LinkByName(ifName)
	if err != nil {
		return wrapNetlink(err, "find link %s", ifName)
	}

	ip, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return errors.Wrapf(err, errors.KindValidation, "invalid CIDR %q", cidr)
	}
	ipNet.IP = ip

	if err := netlink.AddrAdd(link, &netlink.Addr{IPNet: ipNet}); err != nil {
		return wrapNetlink(err, "assign %s to %s", cidr, ifName)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return wrapNetlink(err, "bring up %s", ifName)
	}
	return nil
}

// LinkDown best-effort sets the interface down. It does not delete the link
// (closing the TUN fd is what destroys it); marking it down makes in-flight
// routes stop resolving through it immediately.
func (c *Controller) LinkDown(ifName string) error {
	if c.skip("bring down link", "ifname", ifName) {
		return nil
	}
	link, err := netlink.LinkByName(ifName)
	if err != nil {
		return wrapNetlink(err, "find link %s", ifName)
	}
	return wrapNetlink(netlink.LinkSetDown(link), "bring down %s", ifName)
}

// IfIndex resolves ifName to its kernel interface index, used after creating
// the TUN device to wire the default route in the proxy table.
func (c *Controller) IfIndex(ifName string) (int, error) {
	link, err := netlink.LinkByName(ifName)
	if err != nil {
		return 0, wrapNetlink(err, "find link %s", ifName)
	}
	return link.Attrs().Index, nil
}

// AddDefaultRouteToTable adds "0.0.0.0/0 dev <if> table <tableID>".
func (c *Controller) AddDefaultRouteToTable(tableID, ifIndex int) error {
	if c.skip("add default route", "table", tableID, "ifindex", ifIndex) {
		return nil
	}
	route := &netlink.Route{
		LinkIndex: ifIndex,
		Table:     tableID,
		Dst:       &net.IPNet{IP: net.IPv4zero, Mask: net.CIDRMask(0, 32)},
	}
	return wrapNetlink(netlink.RouteAdd(route), "add default route in table %d", tableID)
}

// DeleteRoutesInTable flushes every route in tableID (best-effort teardown helper).
func (c *Controller) DeleteRoutesInTable(tableID int) error {
	if c.skip("flush routes in table", "table", tableID) {
		return nil
	}
	routes, err := netlink.RouteListFiltered(netlink.FAMILY_V4, &netlink.Route{Table: tableID}, netlink.RT_FILTER_TABLE)
	if err != nil {
		return wrapNetlink(err, "list routes in table %d", tableID)
	}
	var firstErr error
	for _, r := range routes {
		route := r
		if err := netlink.RouteDel(&route); err != nil && firstErr == nil {
			firstErr = wrapNetlink(err, "delete route in table %d", tableID)
		}
	}
	return firstErr
}

// AddRuleFwmarkTable adds the P1 "fwmark rule": priority, fwmark (under a
// full 32-bit mask unless mask is given), directing matching packets to tableID.
func (c *Controller) AddRuleFwmarkTable(priority int, mark, mask uint32, tableID int) error {
	if c.skip("add fwmark rule", "priority", priority, "table", tableID) {
		return nil
	}
	if mask == 0 {
		mask = 0xffffffff
	}
	rule := netlink.NewRule()
	rule.Priority = priority
	rule.Mark = int(mark)
	rule.Mask = intPtr(int(mask))
	rule.Table = tableID
	rule.Family = netlink.FAMILY_V4
	return wrapNetlink(netlink.RuleAdd(rule), "add fwmark rule priority %d -> table %d", priority, tableID)
}

// AddRuleToIP adds a P2 "bypass rule": traffic destined for ip routes via mainTable.
func (c *Controller) AddRuleToIP(priority int, ip string, mainTable int) error {
	if c.skip("add bypass rule", "priority", priority, "ip", ip) {
		return nil
	}
	_, dst, err := net.ParseCIDR(ip + "/32")
	if err != nil {
		return errors.Wrapf(err, errors.KindValidation, "invalid bypass IP %q", ip)
	}
	rule := netlink.NewRule()
	rule.Priority = priority
	rule.Dst = dst
	rule.Table = mainTable
	rule.Family = netlink.FAMILY_V4
	return wrapNetlink(netlink.RuleAdd(rule), "add bypass rule priority %d for %s", priority, ip)
}

// DeleteRulePref removes every rule at the given priority, regardless of
// which fields it matched on — teardown only needs the priority to undo it.
func (c *Controller) DeleteRulePref(priority int) error {
	if c.skip("delete rule", "priority", priority) {
		return nil
	}
	rules, err := netlink.RuleList(netlink.FAMILY_V4)
	if err != nil {
		return wrapNetlink(err, "list rules")
	}
	var firstErr error
	for _, r := range rules {
		if r.Priority != priority {
			continue
		}
		rule := r
		if err := netlink.RuleDel(&rule); err != nil && firstErr == nil {
			firstErr = wrapNetlink(err, "delete rule at priority %d", priority)
		}
	}
	return firstErr
}

// RouteExists reports whether any route in tableID points at ifIndex. It is
// a read-back helper; teardown and `down` remove objects without calling it.
func (c *Controller) RouteExists(tableID, ifIndex int) (bool, error) {
	routes, err := netlink.RouteListFiltered(netlink.FAMILY_V4, &netlink.Route{Table: tableID}, netlink.RT_FILTER_TABLE)
	if err != nil {
		return false, wrapNetlink(err, "list routes in table %d", tableID)
	}
	for _, r := range routes {
		if r.LinkIndex == ifIndex {
			return true, nil
		}
	}
	return false, nil
}

// RuleExists reports whether any policy rule exists at priority.
func (c *Controller) RuleExists(priority int) (bool, error) {
	rules, err := netlink.RuleList(netlink.FAMILY_V4)
	if err != nil {
		return false, wrapNetlink(err, "list rules")
	}
	for _, r := range rules {
		if r.Priority == priority {
			return true, nil
		}
	}
	return false, nil
}

func intPtr(v int) *int { return &v }
