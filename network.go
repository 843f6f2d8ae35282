package main

import (
	"context"
	"net"

	"go.uber.org/zap"
)

// NetworkProvisioner 在網路介面上建立/移除 TCP slave 的綁定位址
type NetworkProvisioner interface {
	// Setup 建立 ranges 中的位址
	Setup(ctx context.Context, ranges []IPRange) error

	// Teardown 移除 ranges 中的位址，ranges 為空時移除本次 Setup 建立的位址
	Teardown(ctx context.Context, ranges ...IPRange) error

	// List 列出介面上的 IPv4 位址
	List(ctx context.Context) ([]net.IP, error)
}

// NewNetworkProvisioner 建立網路配置器
func NewNetworkProvisioner(interfaceName string, logger *zap.Logger) NetworkProvisioner {
	return newPlatformProvisioner(interfaceName, logger)
}

// BaseProvisioner 基礎配置器 (共用邏輯)
type BaseProvisioner struct {
	InterfaceName string
	Logger        *zap.Logger
	ConfiguredIPs []net.IP
}

// expandAllRanges 驗證並展開所有 IP 範圍
func (p *BaseProvisioner) expandAllRanges(ranges []IPRange) ([]net.IP, error) {
	var allIPs []net.IP
	for _, r := range ranges {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		ips, err := r.Expand()
		if err != nil {
			return nil, err
		}
		allIPs = append(allIPs, ips...)
	}
	return allIPs, nil
}

// teardownTargets Teardown 要移除的位址
func (p *BaseProvisioner) teardownTargets(ranges []IPRange) ([]net.IP, error) {
	if len(ranges) == 0 {
		return p.ConfiguredIPs, nil
	}
	return p.expandAllRanges(ranges)
}

// hostAddr 單一位址的 /32 網段
func hostAddr(ip net.IP) *net.IPNet {
	return &net.IPNet{IP: ip.To4(), Mask: net.CIDRMask(32, 32)}
}
