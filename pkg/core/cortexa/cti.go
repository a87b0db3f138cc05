package cortexa

// Cross-Trigger Interface register offsets from cti_base, and the channel
// assignment spec.md §4.6.2 fixes: channel 0 pulses halt, channel 1 pulses
// resume.
const (
	offCTICONTROL = 0x000
	offCTIGATE    = 0x140
	offCTIOUTEN0  = 0x0A0
	offCTIOUTEN1  = 0x0A4
	offCTIAPPPULSE = 0x01C
	offCTILAR     = 0xFB0

	ctiUnlockValue = 0xC5ACCE55

	ctiControlGlbEn = 1 << 0

	channelHalt   = 0
	channelResume = 1
)

// ctiUnlock writes the CoreSight lock-access unlock key to CTILAR.
func (c *Core) ctiUnlock() error {
	return c.writeReg32(c.ctiBase+offCTILAR, ctiUnlockValue)
}

// ctiEnable globally enables the CTI and gates out every event so only the
// explicit channel pulses this package issues take effect.
func (c *Core) ctiEnable() error {
	if err := c.writeReg32(c.ctiBase+offCTICONTROL, ctiControlGlbEn); err != nil {
		return err
	}
	return c.writeReg32(c.ctiBase+offCTIGATE, 0)
}

// ctiConfigureChannels routes channel 0 to this core's halt request input
// and channel 1 to its restart request input.
func (c *Core) ctiConfigureChannels() error {
	if err := c.writeReg32(c.ctiBase+offCTIOUTEN0, 1<<channelHalt); err != nil {
		return err
	}
	return c.writeReg32(c.ctiBase+offCTIOUTEN1, 1<<channelResume)
}

// ctiPulse fires one channel's output event via CTIAPPPULSE.
func (c *Core) ctiPulse(channel int) error {
	return c.writeReg32(c.ctiBase+offCTIAPPPULSE, 1<<uint(channel))
}
