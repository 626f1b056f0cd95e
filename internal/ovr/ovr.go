// Package ovr mirrors the parts of the Oculus runtime C API that are
// intercepted. The layouts are a fixed external contract of the 64-bit
// LibOVRRT 1.x runtime and must match OVR_CAPI.h byte for byte.
package ovr

import (
	"fmt"
	"strings"
	"unsafe"
)

const (
	LibraryName = "LibOVRRT64_1.dll"

	ExportSubmitControllerVibration = "ovr_SubmitControllerVibration"
	ExportSetControllerVibration    = "ovr_SetControllerVibration"
	ExportGetHmdDesc                = "ovr_GetHmdDesc"
)

// RequiredExports lists every export the hooks use.
var RequiredExports = []string{
	ExportSubmitControllerVibration,
	ExportSetControllerVibration,
	ExportGetHmdDesc,
}

// Result is ovrResult.
type Result int32

// Success is ovrSuccess.
const Success Result = 0

// HapticsBufferSubmitMode is ovrHapticsBufferSubmitMode.
type HapticsBufferSubmitMode int32

const HapticsBufferSubmitEnqueue HapticsBufferSubmitMode = 0

// HapticsBuffer is ovrHapticsBuffer. Samples points at SamplesCount
// unsigned bytes owned by the caller.
type HapticsBuffer struct {
	Samples      unsafe.Pointer
	SamplesCount int32
	SubmitMode   HapticsBufferSubmitMode
}

// Bytes views the samples without copying. The view is only valid during the
// call that received the buffer.
func (b *HapticsBuffer) Bytes() []byte {
	if b == nil || b.Samples == nil || b.SamplesCount <= 0 {
		return nil
	}
	return unsafe.Slice((*byte)(b.Samples), b.SamplesCount)
}

// FovPort is ovrFovPort, tangents of the half angles.
type FovPort struct {
	UpTan    float32
	DownTan  float32
	LeftTan  float32
	RightTan float32
}

// Scale multiplies all four tangents by m.
func (f *FovPort) Scale(m float32) {
	f.UpTan *= m
	f.DownTan *= m
	f.LeftTan *= m
	f.RightTan *= m
}

// Sizei is ovrSizei.
type Sizei struct {
	W, H int32
}

// HmdDesc is ovrHmdDesc, returned by value from ovr_GetHmdDesc.
type HmdDesc struct {
	Type                  int32
	_                     [4]byte
	ProductName           [64]byte
	Manufacturer          [64]byte
	VendorID              int16
	ProductID             int16
	SerialNumber          [24]byte
	FirmwareMajor         int16
	FirmwareMinor         int16
	AvailableHmdCaps      uint32
	DefaultHmdCaps        uint32
	AvailableTrackingCaps uint32
	DefaultTrackingCaps   uint32
	DefaultEyeFov         [2]FovPort
	MaxEyeFov             [2]FovPort
	Resolution            Sizei
	DisplayRefreshRate    float32
	_                     [4]byte
}

// LayoutError lists the fields whose size or offset differs from the C ABI.
type LayoutError struct {
	Mismatches []string
}

func (e *LayoutError) Error() string {
	return "ovr ABI layout mismatch: " + strings.Join(e.Mismatches, ", ")
}

type layoutCheck struct {
	name      string
	got, want uintptr
}

func layout() []layoutCheck {
	var d HmdDesc
	var b HapticsBuffer
	return []layoutCheck{
		{"sizeof(ovrHapticsBuffer)", unsafe.Sizeof(b), 16},
		{"ovrHapticsBuffer.SamplesCount", unsafe.Offsetof(b.SamplesCount), 8},
		{"ovrHapticsBuffer.SubmitMode", unsafe.Offsetof(b.SubmitMode), 12},
		{"sizeof(ovrFovPort)", unsafe.Sizeof(FovPort{}), 16},
		{"sizeof(ovrHmdDesc)", unsafe.Sizeof(d), 264},
		{"ovrHmdDesc.ProductName", unsafe.Offsetof(d.ProductName), 8},
		{"ovrHmdDesc.VendorId", unsafe.Offsetof(d.VendorID), 136},
		{"ovrHmdDesc.SerialNumber", unsafe.Offsetof(d.SerialNumber), 140},
		{"ovrHmdDesc.AvailableHmdCaps", unsafe.Offsetof(d.AvailableHmdCaps), 168},
		{"ovrHmdDesc.DefaultEyeFov", unsafe.Offsetof(d.DefaultEyeFov), 184},
		{"ovrHmdDesc.MaxEyeFov", unsafe.Offsetof(d.MaxEyeFov), 216},
		{"ovrHmdDesc.Resolution", unsafe.Offsetof(d.Resolution), 248},
		{"ovrHmdDesc.DisplayRefreshRate", unsafe.Offsetof(d.DisplayRefreshRate), 256},
	}
}

// CheckLayout verifies the Go mirrors against the sizes and offsets of the
// 64-bit runtime. Nothing may be intercepted when it fails.
func CheckLayout() error {
	var bad []string
	for _, c := range layout() {
		if c.got != c.want {
			bad = append(bad, fmt.Sprintf("%s is %d, want %d", c.name, c.got, c.want))
		}
	}
	if len(bad) > 0 {
		return &LayoutError{Mismatches: bad}
	}
	return nil
}
