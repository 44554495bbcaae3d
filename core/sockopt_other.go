//go:build !linux

package core

import (
	"net"
	"time"
)

func tuneConn(nc net.Conn, idle time.Duration) error {
	tc, ok := nc.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tc.SetNoDelay(true); err != nil {
		return err
	}
	return tc.SetKeepAliveConfig(net.KeepAliveConfig{
		Enable:   true,
		Idle:     idle,
		Interval: max(idle/3, time.Second),
		Count:    3,
	})
}
