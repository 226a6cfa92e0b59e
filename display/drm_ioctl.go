package display

import "unsafe"

// DRM/KMS ioctl encoding. DRM computes its ioctl numbers the same way
// every other Linux ioctl does (the _IOC macro family); unlike the V4L2
// constants in package device, which were taken as literal magic numbers
// from the retrieved example, here we compute them from struct sizes with
// unsafe.Sizeof so adding a field to a request struct can't silently
// desync the wire number from the struct layout.
const (
	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	drmIoctlBase = 0x64 // 'd'
)

func iocEncode(dir, typ, nr, size uintptr) uintptr {
	return dir<<iocDirShift | typ<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift
}

func iowr(nr uintptr, size uintptr) uintptr {
	return iocEncode(iocRead|iocWrite, drmIoctlBase, nr, size)
}

func iow(nr uintptr, size uintptr) uintptr {
	return iocEncode(iocWrite, drmIoctlBase, nr, size)
}

// DRM_IOCTL_MODE_* command numbers, from include/uapi/drm/drm.h.
const (
	drmCmdGetResources     = 0xA0
	drmCmdGetCrtc          = 0xA1
	drmCmdSetCrtc          = 0xA2
	drmCmdGetConnector     = 0xA7
	drmCmdGetProperty      = 0xAA
	drmCmdObjGetProperties = 0xB9
	drmCmdObjSetProperty   = 0xBA
	drmCmdPageFlip         = 0xB0
	drmCmdCreateDumb       = 0xB2
	drmCmdMapDumb          = 0xB3
	drmCmdDestroyDumb      = 0xB4
	drmCmdAddFB2           = 0xB8
	drmCmdRmFB             = 0xAF
	drmCmdPrimeFDToHandle  = 0x2E
	drmCmdGemClose         = 0x09
)

const (
	maxConnectors = 32
	maxEncoders   = 32
	maxCRTCs      = 32
	maxModes      = 64
	maxProps      = 64

	drmModeConnected    = 1
	drmModeDisconnected = 2

	drmModeFlagInterlace = 1 << 4

	// drmModeTypePreferred marks the connector's preferred mode in its
	// mode list (DRM_MODE_TYPE_PREFERRED, include/uapi/drm/drm_mode.h).
	drmModeTypePreferred = 1 << 3

	drmModePageFlipEvent = 0x01
	drmModePageFlipAsync = 0x02

	drmFormatRGB888 = 0x34324752 // 'RG24' little-endian fourcc for 24-bit packed RGB

	drmModeDPMSOn      = 0
	drmModeDPMSOff     = 3
)

type drmModeModeInfo struct {
	Clock      uint32
	HDisplay   uint16
	HSyncStart uint16
	HSyncEnd   uint16
	HTotal     uint16
	HSkew      uint16
	VDisplay   uint16
	VSyncStart uint16
	VSyncEnd   uint16
	VTotal     uint16
	VScan      uint16
	VRefresh   uint32
	Flags      uint32
	Type       uint32
	Name       [32]byte
}

type drmModeCardRes struct {
	FbIDPtr        uint64
	CrtcIDPtr      uint64
	ConnectorIDPtr uint64
	EncoderIDPtr   uint64
	CountFbs       uint32
	CountCrtcs     uint32
	CountConnectors uint32
	CountEncoders  uint32
	MinWidth       uint32
	MaxWidth       uint32
	MinHeight      uint32
	MaxHeight      uint32
}

type drmModeGetConnector struct {
	EncodersPtr   uint64
	ModesPtr      uint64
	PropsPtr      uint64
	PropValuesPtr uint64

	CountModes    uint32
	CountProps    uint32
	CountEncoders uint32

	EncoderID     uint32
	ConnectorID   uint32
	ConnectorType uint32
	ConnectorTypeID uint32

	Connection      uint32
	MMWidth         uint32
	MMHeight        uint32
	Subpixel        uint32
	Pad             uint32
}

type drmModeCrtc struct {
	SetConnectorsPtr uint64
	CountConnectors  uint32
	CrtcID           uint32
	FbID             uint32
	X, Y             uint32
	GammaSize        uint32
	ModeValid        uint32
	Mode             drmModeModeInfo
}

type drmModeCreateDumb struct {
	Height uint32
	Width  uint32
	BPP    uint32
	Flags  uint32
	Handle uint32
	Pitch  uint32
	Size   uint64
}

type drmModeMapDumb struct {
	Handle uint32
	Pad    uint32
	Offset uint64
}

type drmModeDestroyDumb struct {
	Handle uint32
}

type drmModeFBCmd2 struct {
	FBID         uint32
	Width        uint32
	Height       uint32
	PixelFormat  uint32
	Flags        uint32
	Handles      [4]uint32
	Pitches      [4]uint32
	Offsets      [4]uint32
	Modifier     [4]uint64
}

type drmModePageFlip struct {
	CrtcID   uint32
	FBID     uint32
	Flags    uint32
	Reserved uint32
	UserData uint64
}

type drmModeRmFB struct {
	FBID uint32
}

type drmPrimeHandle struct {
	Handle uint32
	Flags  uint32
	Fd     int32
}

type drmModeObjGetProperties struct {
	PropsPtr      uint64
	PropValuesPtr uint64
	CountProps    uint32
	ObjID         uint32
	ObjType       uint32
}

type drmModeObjSetProperty struct {
	Value   uint64
	PropID  uint32
	ObjID   uint32
	ObjType uint32
}

type drmModeGetProperty struct {
	ValuesPtr uint64
	EnumBlobPtr uint64
	PropID    uint32
	Flags     uint32
	Name      [32]byte
	CountValues uint32
	CountEnumBlobs uint32
}

// DRM mode object types used with DRM_IOCTL_MODE_OBJ_{GET,SET}PROPERTY,
// from include/uapi/drm/drm_mode.h.
const (
	drmModeObjectConnector = 0xc0c0c0c0
	drmModeObjectCRTC      = 0xcccccccc
)

var (
	sizeofCardRes       = unsafe.Sizeof(drmModeCardRes{})
	sizeofGetConnector  = unsafe.Sizeof(drmModeGetConnector{})
	sizeofCrtc          = unsafe.Sizeof(drmModeCrtc{})
	sizeofCreateDumb    = unsafe.Sizeof(drmModeCreateDumb{})
	sizeofMapDumb       = unsafe.Sizeof(drmModeMapDumb{})
	sizeofDestroyDumb   = unsafe.Sizeof(drmModeDestroyDumb{})
	sizeofFBCmd2        = unsafe.Sizeof(drmModeFBCmd2{})
	sizeofPageFlip      = unsafe.Sizeof(drmModePageFlip{})
	sizeofRmFB          = unsafe.Sizeof(drmModeRmFB{})
	sizeofPrimeHandle   = unsafe.Sizeof(drmPrimeHandle{})
	sizeofObjGetProps   = unsafe.Sizeof(drmModeObjGetProperties{})
	sizeofObjSetProp    = unsafe.Sizeof(drmModeObjSetProperty{})
	sizeofGetProperty   = unsafe.Sizeof(drmModeGetProperty{})
)

var (
	drmIoctlGetResources     = iowr(drmCmdGetResources, sizeofCardRes)
	drmIoctlGetConnector     = iowr(drmCmdGetConnector, sizeofGetConnector)
	drmIoctlGetCrtc          = iowr(drmCmdGetCrtc, sizeofCrtc)
	drmIoctlSetCrtc          = iowr(drmCmdSetCrtc, sizeofCrtc)
	drmIoctlCreateDumb       = iowr(drmCmdCreateDumb, sizeofCreateDumb)
	drmIoctlMapDumb          = iowr(drmCmdMapDumb, sizeofMapDumb)
	drmIoctlDestroyDumb      = iowr(drmCmdDestroyDumb, sizeofDestroyDumb)
	drmIoctlAddFB2           = iowr(drmCmdAddFB2, sizeofFBCmd2)
	drmIoctlRmFB             = iowr(drmCmdRmFB, sizeofRmFB)
	drmIoctlPageFlip         = iowr(drmCmdPageFlip, sizeofPageFlip)
	drmIoctlPrimeFDToHandle  = iowr(drmCmdPrimeFDToHandle, sizeofPrimeHandle)
	drmIoctlObjGetProperties = iowr(drmCmdObjGetProperties, sizeofObjGetProps)
	drmIoctlObjSetProperty   = iow(drmCmdObjSetProperty, sizeofObjSetProp)
	drmIoctlGetProperty      = iowr(drmCmdGetProperty, sizeofGetProperty)
)
