// Package busio provides the Bus Drivers (C3): single-owner I²C and
// single-wire raw-read primitives, plus analog reads. These are raw-value
// extraction only (spec §1, Non-goals: "no local calibration or filtering
// of sensor data") — everything here returns bytes/ints, never an
// engineering-unit value.
//
// Register access goes through a single Tx(addr, w, r) transaction per
// bus, narrowed to the raw register read-after-write spec §4.3 needs —
// no word/signed-word convenience helpers, since nothing here interprets
// the bytes it moves.
package busio

import (
	"time"

	"github.com/jangala-dev/nodecore/errcode"
)

// I2CBus is the single-owner transactional I²C bus. Tx writes w (if
// non-empty) then reads len(r) bytes via a repeated start, matching the
// teacher's Tx(addr, w, r) shape.
type I2CBus interface {
	Tx(addr uint8, w []byte, r []byte) error
}

// AnalogReader reads a configured analog input pin, 0-4095 (spec §4.3).
type AnalogReader interface {
	ReadAnalog(pin int) (uint32, error)
}

// OneWireBus is the single-wire bus transaction primitive: reset, select
// a ROM, then write/read bytes. One call sequence == one transaction;
// the 750 ms conversion wait is driven by the caller (ReadRawTemperature
// below), not this interface, so it can be made cooperative later without
// changing the bus contract (spec §4.3: "non-blocking variant" note).
type OneWireBus interface {
	Reset() error
	SelectROM(rom [8]byte) error
	WriteByte(b byte) error
	ReadBytes(n int) ([]byte, error)
}

const (
	i2cAddrMin = 0x08
	i2cAddrMax = 0x77

	dsConvertT   = 0x44
	dsReadScratch = 0xBE
	dsConvertWait = 750 * time.Millisecond
)

// ReadRawI2C performs a raw register read: validates the address range,
// writes the register byte, issues a repeated-start read of n bytes into
// buf, and verifies the returned count.
func ReadRawI2C(bus I2CBus, addr uint8, reg byte, buf []byte, n int) (bool, error) {
	if bus == nil {
		return false, errcode.I2CBusError
	}
	if addr < i2cAddrMin || addr > i2cAddrMax {
		return false, errcode.I2CDeviceNotFound
	}
	if len(buf) < n {
		return false, errcode.I2CReadFailed
	}
	if err := bus.Tx(addr, []byte{reg}, buf[:n]); err != nil {
		return false, errcode.I2CReadFailed
	}
	return true, nil
}

// Sleeper abstracts the 750 ms DS18B20 conversion wait so tests can
// substitute an instant no-op instead of a real sleep.
type Sleeper interface {
	Sleep(d time.Duration)
}

type realSleeper struct{}

func (realSleeper) Sleep(d time.Duration) { time.Sleep(d) }

// RealSleeper is the production Sleeper, a thin wrapper over time.Sleep.
var RealSleeper Sleeper = realSleeper{}

// ReadRawTemperature performs the DS18B20-style single-wire conversion
// sequence of spec §4.3: reset, select ROM, start conversion (0x44), wait
// 750 ms, reset, select ROM again, read the 9-byte scratchpad (0xBE),
// verify CRC-8, and extract the signed 16-bit raw value.
func ReadRawTemperature(bus OneWireBus, sleep Sleeper, rom [8]byte) (int16, bool, error) {
	if bus == nil {
		return 0, false, errcode.OneWireReadFailed
	}
	if sleep == nil {
		sleep = RealSleeper
	}

	if err := bus.Reset(); err != nil {
		return 0, false, errcode.OneWireReadFailed
	}
	if err := bus.SelectROM(rom); err != nil {
		return 0, false, errcode.OneWireReadFailed
	}
	if err := bus.WriteByte(dsConvertT); err != nil {
		return 0, false, errcode.OneWireReadFailed
	}

	sleep.Sleep(dsConvertWait)

	if err := bus.Reset(); err != nil {
		return 0, false, errcode.OneWireReadFailed
	}
	if err := bus.SelectROM(rom); err != nil {
		return 0, false, errcode.OneWireReadFailed
	}
	if err := bus.WriteByte(dsReadScratch); err != nil {
		return 0, false, errcode.OneWireReadFailed
	}
	scratch, err := bus.ReadBytes(9)
	if err != nil || len(scratch) != 9 {
		return 0, false, errcode.OneWireReadFailed
	}

	if crc8(scratch[:8]) != scratch[8] {
		return 0, false, errcode.OneWireCRCMismatch
	}

	raw := int16(uint16(scratch[0]) | uint16(scratch[1])<<8)
	return raw, true, nil
}

// crc8 is the Dallas/Maxim 1-Wire CRC-8 (polynomial 0x8C / x^8+x^5+x^4+1,
// reflected form), applied over the scratchpad's first 8 bytes.
func crc8(data []byte) byte {
	var crc byte
	for _, b := range data {
		inBit := b
		for i := 0; i < 8; i++ {
			mix := (crc ^ inBit) & 0x01
			crc >>= 1
			if mix != 0 {
				crc ^= 0x8C
			}
			inBit >>= 1
		}
	}
	return crc
}

// ReadRawAnalog returns the 0-4095 raw sample for pin (spec §4.3).
// Callers are responsible for knowing the board's Wi-Fi-safe ADC list —
// this primitive does not arbitrate that (out of scope for a raw read).
func ReadRawAnalog(r AnalogReader, pin int) (uint32, error) {
	if r == nil {
		return 0, errcode.Error
	}
	return r.ReadAnalog(pin)
}
