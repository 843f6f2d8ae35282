//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
)

// LinuxProvisioner Linux 網路配置器 (netlink)
type LinuxProvisioner struct {
	BaseProvisioner
	link netlink.Link
}

func newPlatformProvisioner(interfaceName string, logger *zap.Logger) NetworkProvisioner {
	return &LinuxProvisioner{
		BaseProvisioner: BaseProvisioner{
			InterfaceName: interfaceName,
			Logger:        logger,
		},
	}
}

func (p *LinuxProvisioner) lookup() (netlink.Link, error) {
	if p.link != nil {
		return p.link, nil
	}
	link, err := netlink.LinkByName(p.InterfaceName)
	if err != nil {
		return nil, fmt.Errorf("找不到網路介面 %s: %w", p.InterfaceName, err)
	}
	p.link = link
	return link, nil
}

// Setup 建立虛擬 IP，已存在的位址視為成功
func (p *LinuxProvisioner) Setup(ctx context.Context, ranges []IPRange) error {
	ips, err := p.expandAllRanges(ranges)
	if err != nil {
		return fmt.Errorf("展開 IP 範圍失敗: %w", err)
	}

	link, err := p.lookup()
	if err != nil {
		return err
	}

	p.Logger.Info("正在設置虛擬 IP",
		zap.String("interface", p.InterfaceName),
		zap.Int("count", len(ips)),
	)

	var failed int
	for _, ip := range ips {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := netlink.AddrAdd(link, &netlink.Addr{IPNet: hostAddr(ip)})
		switch {
		case err == nil:
			p.Logger.Debug("已添加 IP", zap.Stringer("ip", ip))
		case errors.Is(err, syscall.EEXIST):
			p.Logger.Debug("IP 已存在", zap.Stringer("ip", ip))
		default:
			failed++
			p.Logger.Warn("添加 IP 失敗", zap.Stringer("ip", ip), zap.Error(err))
			continue
		}
		p.ConfiguredIPs = append(p.ConfiguredIPs, ip)
	}

	p.Logger.Info("虛擬 IP 設置完成",
		zap.Int("success", len(ips)-failed),
		zap.Int("total", len(ips)),
	)

	if failed == len(ips) && failed > 0 {
		return fmt.Errorf("所有虛擬 IP 添加失敗 (%d 個)", failed)
	}
	return nil
}

// Teardown 移除虛擬 IP
func (p *LinuxProvisioner) Teardown(ctx context.Context, ranges ...IPRange) error {
	ips, err := p.teardownTargets(ranges)
	if err != nil {
		return fmt.Errorf("展開 IP 範圍失敗: %w", err)
	}

	link, err := p.lookup()
	if err != nil {
		return err
	}

	p.Logger.Info("正在移除虛擬 IP",
		zap.String("interface", p.InterfaceName),
		zap.Int("count", len(ips)),
	)

	removed := 0
	for _, ip := range ips {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := netlink.AddrDel(link, &netlink.Addr{IPNet: hostAddr(ip)}); err != nil {
			if !errors.Is(err, syscall.EADDRNOTAVAIL) {
				p.Logger.Warn("移除 IP 失敗", zap.Stringer("ip", ip), zap.Error(err))
			}
			continue
		}

		removed++
		p.Logger.Debug("已移除 IP", zap.Stringer("ip", ip))
	}

	p.ConfiguredIPs = nil
	p.Logger.Info("虛擬 IP 移除完成", zap.Int("removed", removed))

	return nil
}

// List 列出介面上的 IPv4 位址
func (p *LinuxProvisioner) List(ctx context.Context) ([]net.IP, error) {
	link, err := p.lookup()
	if err != nil {
		return nil, err
	}

	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("列出 IP 失敗: %w", err)
	}

	ips := make([]net.IP, 0, len(addrs))
	for _, addr := range addrs {
		ips = append(ips, addr.IP)
	}

	return ips, nil
}
