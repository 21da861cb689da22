package config

import (
	"github.com/pbnjay/memory"
	"golang.org/x/sys/unix"
)

// NodeType is one of the four resource-scaling presets. The preset only
// affects resource limits elsewhere (connection counts, store budget); the
// core's behavior is otherwise identical across types.
type NodeType string

const (
	NodeTypeSeed   NodeType = "seed"
	NodeTypeFull   NodeType = "full"
	NodeTypeLight  NodeType = "light"
	NodeTypeMobile NodeType = "mobile"
)

const (
	gib = int64(1) << 30
)

// DetectNodeType classifies the host by free disk space at dataDir
// (≥100GiB seed, ≥10GiB full, ≥1GiB light, else mobile), then drops a
// seed or full classification to light if total system RAM is under
// 2 GiB — a host can have a roomy disk and still be a phone.
func DetectNodeType(dataDir string) (NodeType, error) {
	free, err := freeDiskSpace(dataDir)
	if err != nil {
		return "", err
	}

	var t NodeType
	switch {
	case free >= 100*gib:
		t = NodeTypeSeed
	case free >= 10*gib:
		t = NodeTypeFull
	case free >= 1*gib:
		t = NodeTypeLight
	default:
		t = NodeTypeMobile
	}

	if memory.TotalMemory() < 2<<30 && (t == NodeTypeSeed || t == NodeTypeFull) {
		t = NodeTypeLight
	}
	return t, nil
}

func freeDiskSpace(path string) (int64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}
