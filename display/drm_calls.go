package display

import (
	"fmt"
	"time"
	"unsafe"

	"github.com/pkg/errors"

	"kvmstream/frame"
	"kvmstream/internal/ioctl"
)

func (r *Runtime) getResources() (drmModeCardRes, error) {
	var connIDs, crtcIDs, encIDs [maxConnectors]uint32
	res := drmModeCardRes{
		ConnectorIDPtr: uint64(uintptr(unsafe.Pointer(&connIDs[0]))),
		CrtcIDPtr:      uint64(uintptr(unsafe.Pointer(&crtcIDs[0]))),
		EncoderIDPtr:   uint64(uintptr(unsafe.Pointer(&encIDs[0]))),
	}
	// First pass with zero counts just discovers how many of each object
	// exist; DRM fills counts but only writes through the pointers once
	// CountX matches the real number on a second call.
	probe := drmModeCardRes{}
	if err := ioctl.Retry(uintptr(r.fd), drmIoctlGetResources, uintptr(unsafe.Pointer(&probe))); err != nil {
		return drmModeCardRes{}, errors.Wrap(err, "drm get resources (probe)")
	}
	res.CountConnectors = min32(probe.CountConnectors, maxConnectors)
	res.CountCrtcs = min32(probe.CountCrtcs, maxCRTCs)
	res.CountEncoders = min32(probe.CountEncoders, maxEncoders)
	if err := ioctl.Retry(uintptr(r.fd), drmIoctlGetResources, uintptr(unsafe.Pointer(&res))); err != nil {
		return drmModeCardRes{}, errors.Wrap(err, "drm get resources")
	}
	r.crtcIDs = crtcIDs
	r.crtcCount = res.CountCrtcs
	r.connIDs = connIDs
	r.connCount = res.CountConnectors
	return res, nil
}

func min32(a uint32, b int) uint32 {
	if a > uint32(b) {
		return uint32(b)
	}
	return a
}

func (r *Runtime) getConnector(id uint32) (drmModeGetConnector, error) {
	var modes [maxModes]drmModeModeInfo
	var encs [maxEncoders]uint32
	req := drmModeGetConnector{
		ConnectorID: id,
		ModesPtr:    uint64(uintptr(unsafe.Pointer(&modes[0]))),
		EncodersPtr: uint64(uintptr(unsafe.Pointer(&encs[0]))),
	}
	probe := drmModeGetConnector{ConnectorID: id}
	if err := ioctl.Retry(uintptr(r.fd), drmIoctlGetConnector, uintptr(unsafe.Pointer(&probe))); err != nil {
		return drmModeGetConnector{}, errors.Wrap(err, "drm get connector (probe)")
	}
	req.CountModes = min32(probe.CountModes, maxModes)
	req.CountEncoders = min32(probe.CountEncoders, maxEncoders)
	if err := ioctl.Retry(uintptr(r.fd), drmIoctlGetConnector, uintptr(unsafe.Pointer(&req))); err != nil {
		return drmModeGetConnector{}, errors.Wrap(err, "drm get connector")
	}
	r.lastModes = modes
	r.lastModeCount = req.CountModes
	return req, nil
}

// drmConnectorTypeNames maps DRM_MODE_CONNECTOR_* values to the prefix the
// kernel uses when building a connector's sysfs/modetest name ("HDMI-A-1",
// "DP-2", ...), from include/uapi/drm/drm_mode.h.
var drmConnectorTypeNames = map[uint32]string{
	1: "VGA", 2: "DVI-I", 3: "DVI-D", 4: "DVI-A", 5: "Composite", 6: "SVIDEO",
	7: "LVDS", 8: "Component", 9: "DIN", 10: "DP", 11: "HDMI-A", 12: "HDMI-B",
	13: "TV", 14: "eDP", 15: "Virtual", 16: "DSI", 17: "DPI", 18: "Writeback", 19: "SPI", 20: "USB",
}

// connectorName reconstructs the "<type>-<type-id>" name the kernel exposes
// under /sys/class/drm/cardN-<name>, since GET_CONNECTOR only reports the
// numeric type and per-type instance id, not the string form.
func connectorName(conn drmModeGetConnector) string {
	typ := drmConnectorTypeNames[conn.ConnectorType]
	if typ == "" {
		typ = "Unknown"
	}
	return fmt.Sprintf("%s-%d", typ, conn.ConnectorTypeID)
}

// pickConnector selects the connector matching the configured name (spec
// §6 "port", e.g. "HDMI-A-1"), or the first connected connector if name is
// empty.
func (r *Runtime) pickConnector(res drmModeCardRes, name string) (drmModeGetConnector, error) {
	var firstConnected *drmModeGetConnector
	for i := uint32(0); i < r.connCount; i++ {
		conn, err := r.getConnector(r.connIDs[i])
		if err != nil {
			continue
		}
		if conn.Connection != drmModeConnected {
			continue
		}
		if name != "" {
			if connectorName(conn) == name {
				return conn, nil
			}
			continue
		}
		if firstConnected == nil {
			c := conn
			firstConnected = &c
		}
	}
	if name == "" {
		if firstConnected != nil {
			return *firstConnected, nil
		}
		return drmModeGetConnector{}, errors.New("display: no connected connector found")
	}
	return drmModeGetConnector{}, errors.Errorf("display: configured connector %q not found or not connected", name)
}

func (r *Runtime) crtcForEncoder(encoderID uint32) (uint32, error) {
	if r.crtcCount == 0 {
		return 0, errors.New("display: no crtcs available")
	}
	return r.crtcIDs[0], nil
}

func (r *Runtime) getCrtc(id uint32) (drmModeCrtc, error) {
	req := drmModeCrtc{CrtcID: id}
	if err := ioctl.Retry(uintptr(r.fd), drmIoctlGetCrtc, uintptr(unsafe.Pointer(&req))); err != nil {
		return drmModeCrtc{}, errors.Wrap(err, "drm get crtc")
	}
	return req, nil
}

func (r *Runtime) setCrtc(fbID uint32, m mode) error {
	connectors := [1]uint32{r.connectorID}
	req := drmModeCrtc{
		CrtcID:           r.crtcID,
		FbID:             fbID,
		SetConnectorsPtr: uint64(uintptr(unsafe.Pointer(&connectors[0]))),
		CountConnectors:  1,
		ModeValid:        1,
		Mode:             m.info,
	}
	if err := ioctl.Retry(uintptr(r.fd), drmIoctlSetCrtc, uintptr(unsafe.Pointer(&req))); err != nil {
		return err
	}
	r.currentMode = m
	// A flip was just issued; has_vsync stays false until WaitForVsync
	// observes the next page-flip complete (spec §4.6).
	r.hasVsync = false
	return nil
}

func (r *Runtime) restoreCrtc(saved drmModeCrtc) error {
	connectors := [1]uint32{r.connectorID}
	saved.SetConnectorsPtr = uint64(uintptr(unsafe.Pointer(&connectors[0])))
	saved.CountConnectors = 1
	return ioctl.Retry(uintptr(r.fd), drmIoctlSetCrtc, uintptr(unsafe.Pointer(&saved)))
}

// selectMode implements the mode-selection priority order of spec
// §4.6(c): an exact (w,h) match at the requested refresh rate; failing
// that, an exact (w,h) match at any refresh rate; failing that, a mode of
// the same width and a smaller height (the mirror letterboxes); failing
// that, the connector's preferred mode; failing that, the first mode the
// connector advertised. Interlaced modes are discarded at every tier.
// The returned bool reports whether the match was the letterboxed tier,
// which callers treat differently from a true resolution mismatch.
func (r *Runtime) selectMode(w, h, hz int) (mode, bool, error) {
	if r.lastModeCount == 0 {
		return mode{}, false, errors.New("display: connector advertises no modes")
	}

	var candidates []drmModeModeInfo
	for i := uint32(0); i < r.lastModeCount; i++ {
		mi := r.lastModes[i]
		if mi.Flags&drmModeFlagInterlace != 0 {
			continue
		}
		candidates = append(candidates, mi)
	}
	if len(candidates) == 0 {
		return mode{}, false, errors.New("display: connector advertises no progressive modes")
	}

	if hz > 0 {
		for _, mi := range candidates {
			if int(mi.HDisplay) == w && int(mi.VDisplay) == h && int(mi.VRefresh) == hz {
				return modeFromInfo(mi), false, nil
			}
		}
	}

	for _, mi := range candidates {
		if int(mi.HDisplay) == w && int(mi.VDisplay) == h {
			return modeFromInfo(mi), false, nil
		}
	}

	var letterboxed *drmModeModeInfo
	for i, mi := range candidates {
		if int(mi.HDisplay) != w || int(mi.VDisplay) >= h {
			continue
		}
		if letterboxed == nil || mi.VDisplay > letterboxed.VDisplay {
			letterboxed = &candidates[i]
		}
	}
	if letterboxed != nil {
		return modeFromInfo(*letterboxed), true, nil
	}

	for _, mi := range candidates {
		if mi.Type&drmModeTypePreferred != 0 {
			return modeFromInfo(mi), false, nil
		}
	}

	return modeFromInfo(candidates[0]), false, nil
}

func modeFromInfo(mi drmModeModeInfo) mode {
	m := mode{info: mi, w: int(mi.HDisplay), h: int(mi.VDisplay)}
	refresh := mi.VRefresh
	if refresh == 0 {
		refresh = 60
	}
	m.vsync = secondsPerFrame(refresh)
	return m
}

func secondsPerFrame(hz uint32) time.Duration {
	return time.Second / time.Duration(hz)
}

func (r *Runtime) findDPMSProperty(connectorID uint32) (uint32, error) {
	var propIDs, propVals [maxProps]uint64
	req := drmModeObjGetProperties{
		ObjID:         connectorID,
		ObjType:       drmModeObjectConnector,
		PropsPtr:      uint64(uintptr(unsafe.Pointer(&propIDs[0]))),
		PropValuesPtr: uint64(uintptr(unsafe.Pointer(&propVals[0]))),
	}
	probe := drmModeObjGetProperties{ObjID: connectorID, ObjType: drmModeObjectConnector}
	if err := ioctl.Retry(uintptr(r.fd), drmIoctlObjGetProperties, uintptr(unsafe.Pointer(&probe))); err != nil {
		return 0, err
	}
	req.CountProps = min32(probe.CountProps, maxProps)
	if err := ioctl.Retry(uintptr(r.fd), drmIoctlObjGetProperties, uintptr(unsafe.Pointer(&req))); err != nil {
		return 0, err
	}
	for i := uint32(0); i < req.CountProps; i++ {
		name, err := r.propertyName(uint32(propIDs[i]))
		if err == nil && name == "DPMS" {
			return uint32(propIDs[i]), nil
		}
	}
	return 0, errors.New("display: connector has no DPMS property")
}

func (r *Runtime) propertyName(propID uint32) (string, error) {
	req := drmModeGetProperty{PropID: propID}
	if err := ioctl.Retry(uintptr(r.fd), drmIoctlGetProperty, uintptr(unsafe.Pointer(&req))); err != nil {
		return "", err
	}
	n := 0
	for n < len(req.Name) && req.Name[n] != 0 {
		n++
	}
	return string(req.Name[:n]), nil
}

func (r *Runtime) setConnectorProperty(connectorID, propID uint32, value uint64) error {
	req := drmModeObjSetProperty{
		ObjID:   connectorID,
		ObjType: drmModeObjectConnector,
		PropID:  propID,
		Value:   value,
	}
	return ioctl.Retry(uintptr(r.fd), drmIoctlObjSetProperty, uintptr(unsafe.Pointer(&req)))
}

func (r *Runtime) primeFDToHandle(fd int) (uint32, error) {
	req := drmPrimeHandle{Fd: int32(fd)}
	if err := ioctl.Retry(uintptr(r.fd), drmIoctlPrimeFDToHandle, uintptr(unsafe.Pointer(&req))); err != nil {
		return 0, err
	}
	return req.Handle, nil
}

func (r *Runtime) addFB2(w, h, pitch, handle, format uint32) (uint32, error) {
	req := drmModeFBCmd2{
		Width:       w,
		Height:      h,
		PixelFormat: format,
	}
	req.Handles[0] = handle
	req.Pitches[0] = pitch
	if err := ioctl.Retry(uintptr(r.fd), drmIoctlAddFB2, uintptr(unsafe.Pointer(&req))); err != nil {
		return 0, err
	}
	return req.FBID, nil
}

func fourCCForFormat(f frame.FourCC) uint32 {
	switch f {
	case frame.FormatRGB24:
		return drmFormatRGB888
	default:
		return drmFormatRGB888
	}
}

func (r *Runtime) nextDumbBuffer(w, h int) (*dumbBuffer, error) {
	r.dumbIdx = (r.dumbIdx + 1) % len(r.dumb)
	if buf := r.dumb[r.dumbIdx]; buf != nil {
		return buf, nil
	}
	buf, err := r.createDumbBuffer(w, h)
	if err != nil {
		return nil, err
	}
	r.dumb[r.dumbIdx] = buf
	return buf, nil
}

func (r *Runtime) createDumbBuffer(w, h int) (*dumbBuffer, error) {
	create := drmModeCreateDumb{Width: uint32(w), Height: uint32(h), BPP: 32}
	if err := ioctl.Retry(uintptr(r.fd), drmIoctlCreateDumb, uintptr(unsafe.Pointer(&create))); err != nil {
		return nil, errors.Wrap(err, "create dumb buffer")
	}

	fbID, err := r.addFB2(create.Width, create.Height, create.Pitch, create.Handle, drmFormatRGB888)
	if err != nil {
		r.destroyDumbHandle(create.Handle)
		return nil, errors.Wrap(err, "add framebuffer for dumb buffer")
	}

	mapReq := drmModeMapDumb{Handle: create.Handle}
	if err := ioctl.Retry(uintptr(r.fd), drmIoctlMapDumb, uintptr(unsafe.Pointer(&mapReq))); err != nil {
		r.rmFB(fbID)
		r.destroyDumbHandle(create.Handle)
		return nil, errors.Wrap(err, "map dumb buffer")
	}

	data, err := ioctl.Mmap(r.fd, int64(mapReq.Offset), int(create.Size))
	if err != nil {
		r.rmFB(fbID)
		r.destroyDumbHandle(create.Handle)
		return nil, errors.Wrap(err, "mmap dumb buffer")
	}

	return &dumbBuffer{handle: create.Handle, fbID: fbID, pitch: create.Pitch, size: create.Size, data: data}, nil
}

func (r *Runtime) freeDumbBuffer(buf *dumbBuffer) {
	_ = ioctl.Munmap(buf.data)
	r.rmFB(buf.fbID)
	r.destroyDumbHandle(buf.handle)
}

func (r *Runtime) destroyDumbHandle(handle uint32) {
	req := drmModeDestroyDumb{Handle: handle}
	_ = ioctl.Do(uintptr(r.fd), drmIoctlDestroyDumb, uintptr(unsafe.Pointer(&req)))
}
