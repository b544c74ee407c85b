// Package protocol implements the RICOH GR BLE wire format: the endpoint
// catalog and the byte layouts of the characteristics the app reads and
// writes. Decoders never fail with an error; a value the camera sent that
// cannot be interpreted is reported as absent (ok == false).
package protocol

import (
	"encoding/binary"
	"fmt"
	"time"
	"unicode/utf8"
)

// DateTimeLen is the size of the DateTime characteristic value.
const DateTimeLen = 7

// Flag byte values.
const (
	FlagOff byte = 0x00
	FlagOn  byte = 0x01
)

// DecodeText decodes a raw UTF-8 info characteristic.
func DecodeText(b []byte) (string, bool) {
	if b == nil || !utf8.Valid(b) {
		return "", false
	}
	return string(b), true
}

// EncodeDateTime encodes t as
//
//	[year_lo, year_hi, month, day, hour, minute, second]
//
// in UTC. The year is truncated to 16 bits and sub-second precision is dropped.
func EncodeDateTime(t time.Time) []byte {
	t = t.UTC()
	buf := make([]byte, DateTimeLen)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(t.Year()))
	buf[2] = byte(t.Month())
	buf[3] = byte(t.Day())
	buf[4] = byte(t.Hour())
	buf[5] = byte(t.Minute())
	buf[6] = byte(t.Second())
	return buf
}

// DecodeDateTime decodes a DateTime characteristic value. Values that are
// not exactly DateTimeLen bytes, or that name an impossible calendar date,
// are absent.
func DecodeDateTime(b []byte) (time.Time, bool) {
	if len(b) != DateTimeLen {
		return time.Time{}, false
	}
	year := int(binary.LittleEndian.Uint16(b[0:2]))
	month, day := int(b[2]), int(b[3])
	hour, minute, second := int(b[4]), int(b[5]), int(b[6])

	if month < 1 || month > 12 || day < 1 || hour > 23 || minute > 59 || second > 59 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC)
	// time.Date normalizes Feb 30 into March; reject instead.
	if t.Day() != day || int(t.Month()) != month {
		return time.Time{}, false
	}
	return t, true
}

// EncodeFlag encodes a boolean flag characteristic value.
func EncodeFlag(v bool) []byte {
	if v {
		return []byte{FlagOn}
	}
	return []byte{FlagOff}
}

// DecodeFlag decodes a flag leniently: 0x01 is true and any other first
// byte is false. An empty value is absent.
func DecodeFlag(b []byte) (bool, bool) {
	if len(b) == 0 {
		return false, false
	}
	return b[0] == FlagOn, true
}

// DecodeFlagStrict decodes a flag, treating anything other than 0x00 or
// 0x01 as absent.
func DecodeFlagStrict(b []byte) (bool, bool) {
	if len(b) == 0 {
		return false, false
	}
	switch b[0] {
	case FlagOn:
		return true, true
	case FlagOff:
		return false, true
	default:
		return false, false
	}
}

// PowerSource identifies what the camera is running on.
type PowerSource uint8

const (
	PowerBattery  PowerSource = 0
	PowerExternal PowerSource = 1
)

// String returns a human-readable power source name.
func (s PowerSource) String() string {
	switch s {
	case PowerBattery:
		return "battery"
	case PowerExternal:
		return "external"
	default:
		return fmt.Sprintf("PowerSource(%d)", uint8(s))
	}
}

// BatteryLevel is the decoded BatteryLevel characteristic.
type BatteryLevel struct {
	Percent int
	Source  PowerSource
}

// String formats the level as "87% (battery)".
func (b BatteryLevel) String() string {
	return fmt.Sprintf("%d%% (%s)", b.Percent, b.Source)
}

// DecodeBattery decodes the BatteryLevel characteristic:
//
//	byte 0: level in percent (0-100)
//	byte 1: power source (0 battery, 1 external), optional
func DecodeBattery(b []byte) (BatteryLevel, bool) {
	if len(b) == 0 || b[0] > 100 {
		return BatteryLevel{}, false
	}
	lvl := BatteryLevel{Percent: int(b[0]), Source: PowerBattery}
	if len(b) > 1 {
		switch PowerSource(b[1]) {
		case PowerBattery, PowerExternal:
			lvl.Source = PowerSource(b[1])
		default:
			return BatteryLevel{}, false
		}
	}
	return lvl, true
}

