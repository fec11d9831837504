//go:build windows

package storage

import (
	"path/filepath"
	"syscall"
	"unsafe"
)

var (
	kernel32                = syscall.NewLazyDLL("kernel32.dll")
	procGetDiskFreeSpaceExW = kernel32.NewProc("GetDiskFreeSpaceExW")
	procGetDriveTypeW       = kernel32.NewProc("GetDriveTypeW")
)

const (
	driveRemovable = 2
	driveFixed     = 3
	driveRemote    = 4
	driveCDROM     = 5
	driveRAMDisk   = 6
)

type systemProbe struct{}

// SystemProbe inspects volumes of the local machine.
func SystemProbe() VolumeProbe { return systemProbe{} }

func (systemProbe) Probe(path string) (Volume, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Volume{}, err
	}
	root := filepath.VolumeName(abs) + `\`
	rootPtr, err := syscall.UTF16PtrFromString(root)
	if err != nil {
		return Volume{}, err
	}

	v := Volume{Kind: VolumeUnknown}
	ret, _, _ := procGetDriveTypeW.Call(uintptr(unsafe.Pointer(rootPtr)))
	switch ret {
	case driveRemovable:
		v.Kind = VolumeRemovable
	case driveFixed, driveRAMDisk:
		v.Kind = VolumeFixed
	case driveRemote:
		v.Kind = VolumeNetwork
	case driveCDROM:
		v.Kind = VolumeOptical
	}

	var freeBytesAvailable, totalBytes, totalFreeBytes int64
	ok, _, _ := procGetDiskFreeSpaceExW.Call(
		uintptr(unsafe.Pointer(rootPtr)),
		uintptr(unsafe.Pointer(&freeBytesAvailable)),
		uintptr(unsafe.Pointer(&totalBytes)),
		uintptr(unsafe.Pointer(&totalFreeBytes)),
	)
	if ok == 0 {
		// An empty optical drive or ejected card fails here.
		return v, nil
	}
	v.Ready = true
	v.FreeBytes = freeBytesAvailable
	return v, nil
}
