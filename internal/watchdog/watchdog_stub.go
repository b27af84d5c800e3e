//go:build !linux
// +build !linux

package watchdog

import (
	"starloop/internal/eventloop"
	logx "starloop/pkg/logx"
)

func Start(loop *eventloop.Loop, log logx.Logger) (bool, uint64, error) {
	_ = loop
	_ = log
	return false, 0, nil
}

func NotifyStopping() {}
