package storage

import "fmt"

type VolumeKind int

const (
	VolumeUnknown VolumeKind = iota
	VolumeFixed
	VolumeRemovable
	VolumeOptical
	VolumeNetwork
)

func (k VolumeKind) String() string {
	switch k {
	case VolumeFixed:
		return "fixed"
	case VolumeRemovable:
		return "removable"
	case VolumeOptical:
		return "optical"
	case VolumeNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// Volume describes the volume a path lives on.
type Volume struct {
	Kind      VolumeKind
	Ready     bool
	FreeBytes int64
}

// VolumeProbe inspects the volume holding a path.
type VolumeProbe interface {
	Probe(path string) (Volume, error)
}

// CopyRefusal explains why content on v should not be copied, or returns
// "" when copying is fine.
func (v Volume) CopyRefusal() string {
	switch {
	case !v.Ready:
		return "source volume is not ready"
	case v.Kind == VolumeOptical, v.Kind == VolumeRemovable:
		return fmt.Sprintf("source is on a %s volume", v.Kind)
	default:
		return ""
	}
}

// StaticProbe reports the same volume for every path.
type StaticProbe Volume

func (p StaticProbe) Probe(string) (Volume, error) { return Volume(p), nil }
