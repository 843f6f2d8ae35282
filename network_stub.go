//go:build !linux

package main

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
)

// StubProvisioner 非 Linux 平台的配置器，只記錄位址不實際建立
type StubProvisioner struct {
	BaseProvisioner
}

func newPlatformProvisioner(interfaceName string, logger *zap.Logger) NetworkProvisioner {
	return &StubProvisioner{
		BaseProvisioner: BaseProvisioner{
			InterfaceName: interfaceName,
			Logger:        logger,
		},
	}
}

// Setup 記錄虛擬 IP (stub)
func (p *StubProvisioner) Setup(ctx context.Context, ranges []IPRange) error {
	ips, err := p.expandAllRanges(ranges)
	if err != nil {
		return fmt.Errorf("展開 IP 範圍失敗: %w", err)
	}

	p.Logger.Warn("虛擬 IP 配置僅在 Linux 上支援，使用模擬模式",
		zap.String("interface", p.InterfaceName),
		zap.Int("count", len(ips)),
	)

	p.ConfiguredIPs = append(p.ConfiguredIPs, ips...)
	return nil
}

// Teardown 清除記錄 (stub)
func (p *StubProvisioner) Teardown(ctx context.Context, ranges ...IPRange) error {
	ips, err := p.teardownTargets(ranges)
	if err != nil {
		return fmt.Errorf("展開 IP 範圍失敗: %w", err)
	}

	p.Logger.Warn("虛擬 IP 移除僅在 Linux 上支援，使用模擬模式",
		zap.String("interface", p.InterfaceName),
		zap.Int("count", len(ips)),
	)

	p.ConfiguredIPs = nil
	return nil
}

// List 列出介面上的 IPv4 位址與模擬配置的位址 (stub)
func (p *StubProvisioner) List(ctx context.Context) ([]net.IP, error) {
	var ips []net.IP

	iface, err := net.InterfaceByName(p.InterfaceName)
	if err == nil {
		addrs, err := iface.Addrs()
		if err != nil {
			return nil, fmt.Errorf("取得介面位址失敗: %w", err)
		}
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok && ipNet.IP.To4() != nil {
				ips = append(ips, ipNet.IP)
			}
		}
	}

	return append(ips, p.ConfiguredIPs...), nil
}
