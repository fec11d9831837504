//go:build !windows

package storage

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// mountsFile lists mounted file systems on Linux. Other unix systems fall
// back to treating every volume as fixed.
var mountsFile = "/proc/self/mounts"

type systemProbe struct{}

// SystemProbe inspects volumes of the local machine.
func SystemProbe() VolumeProbe { return systemProbe{} }

func (systemProbe) Probe(path string) (Volume, error) {
	if _, err := os.Stat(path); err != nil {
		return Volume{Kind: VolumeUnknown}, err
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return Volume{Kind: VolumeUnknown}, err
	}
	v := Volume{
		Kind:      VolumeFixed,
		Ready:     true,
		FreeBytes: int64(stat.Bavail) * int64(stat.Bsize),
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return v, nil
	}
	if mountPoint, fsType, ok := findMount(abs); ok {
		v.Kind = classifyMount(mountPoint, fsType)
	}
	return v, nil
}

// findMount returns the longest mount point containing path.
func findMount(path string) (string, string, bool) {
	f, err := os.Open(mountsFile)
	if err != nil {
		return "", "", false
	}
	defer f.Close()

	var best, bestType string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		mountPoint := unescapeMount(fields[1])
		if !pathHasPrefix(path, mountPoint) || len(mountPoint) < len(best) {
			continue
		}
		best, bestType = mountPoint, fields[2]
	}
	return best, bestType, best != ""
}

func classifyMount(mountPoint, fsType string) VolumeKind {
	switch fsType {
	case "iso9660", "udf":
		return VolumeOptical
	case "nfs", "nfs4", "cifs", "smb3", "smbfs", "sshfs", "fuse.sshfs", "9p":
		return VolumeNetwork
	}
	for _, prefix := range []string{"/media/", "/run/media/", "/mnt/usb"} {
		if strings.HasPrefix(mountPoint, prefix) {
			return VolumeRemovable
		}
	}
	return VolumeFixed
}

func pathHasPrefix(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// unescapeMount decodes the octal escapes used for spaces in mount paths.
func unescapeMount(s string) string {
	return strings.NewReplacer(`\040`, " ", `\011`, "\t", `\134`, `\`).Replace(s)
}
