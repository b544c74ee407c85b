package camera

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/gr-remote/internal/ble"
	"github.com/chaz8081/gr-remote/internal/ble/protocol"
)

func str(s string) *string { return &s }

func TestDeviceInfo(t *testing.T) {
	cam, central := connect(t, newGR1234(), Options{})

	s, err := central.Session()
	require.NoError(t, err)
	assert.Equal(t, "GR_1234", s.Device.Name)

	info, err := cam.DeviceInfo(context.Background())
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, &Info{
		Firmware:     str("1.50"),
		Model:        str("RICOH GR III"),
		Serial:       str("00123456"),
		LinkName:     str("GR_1234"),
		Manufacturer: str("RICOH IMAGING COMPANY, LTD."),
	}, info)
}

func TestDeviceInfoMissingService(t *testing.T) {
	fc := newFakeCamera()
	fc.set(protocol.CameraService, protocol.BatteryLevelChar, []byte{50})
	cam, _ := connect(t, fc, Options{})

	info, err := cam.DeviceInfo(context.Background())
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestDeviceInfoPartial(t *testing.T) {
	fc := newFakeCamera()
	fc.set(protocol.CameraInformationService, protocol.FirmwareRevisionChar, []byte("9.5.2"))
	fc.set(protocol.CameraInformationService, protocol.ModelNumberChar, nil)
	fc.set(protocol.CameraInformationService, protocol.SerialNumberChar, []byte{0xC3, 0x28})
	cam, _ := connect(t, fc, Options{})

	info, err := cam.DeviceInfo(context.Background())
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, str("9.5.2"), info.Firmware)
	assert.Nil(t, info.Model, "no value")
	assert.Nil(t, info.Serial, "invalid UTF-8")
	assert.Nil(t, info.LinkName, "missing characteristic")
}

func TestDeviceInfoProfiles(t *testing.T) {
	fc := newGR1234()
	fc.set(protocol.CameraInformationService, protocol.BluetoothMACAddressChar, []byte("00:11:22:33:44:55"))

	cam, _ := connect(t, fc, Options{Profile: protocol.ProfileV1})
	info, err := cam.DeviceInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, str("00:11:22:33:44:55"), info.MACAddress)

	cam.profile = protocol.ProfileV2
	info, err = cam.DeviceInfo(context.Background())
	require.NoError(t, err)
	assert.Nil(t, info.MACAddress, "v2 has no MAC address endpoint")
	assert.Equal(t, str("1.50"), info.Firmware)
}

func TestDeviceInfoLinkError(t *testing.T) {
	fc := newGR1234()
	fc.fail(protocol.SerialNumberChar, errors.New("read not permitted"))
	cam, _ := connect(t, fc, Options{})

	info, err := cam.DeviceInfo(context.Background())
	assert.Nil(t, info)
	var le *ble.LinkError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, protocol.SerialNumberChar, le.Endpoint)
}

func TestNotConnected(t *testing.T) {
	central := ble.NewCentral(&fakeRadio{camera: newFakeCamera()}, ble.CentralOptions{})
	cam := New(central, Options{})
	ctx := context.Background()

	_, err := cam.DeviceInfo(ctx)
	assert.ErrorIs(t, err, ble.ErrNotConnected)
	_, _, err = cam.Battery(ctx)
	assert.ErrorIs(t, err, ble.ErrNotConnected)
	_, err = cam.SetGeoTag(ctx, true)
	assert.ErrorIs(t, err, ble.ErrNotConnected)
}

func TestSyncTimeLoopback(t *testing.T) {
	cam, _ := connect(t, newGR1234(), Options{})
	ctx := context.Background()

	ok, err := cam.SyncTime(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	got, ok, err := cam.DeviceTime(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().UTC(), got, time.Second+time.Second/2)
	assert.Equal(t, time.UTC, got.Location())
}

func TestSyncTimeWritesUTC(t *testing.T) {
	fc := newGR1234()
	cam, _ := connect(t, fc, Options{})
	cam.now = func() time.Time {
		return time.Date(2024, 1, 1, 8, 30, 0, 0, time.FixedZone("JST", 9*60*60))
	}

	ok, err := cam.SyncTime(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{0xE7, 0x07, 12, 31, 23, 30, 0}, fc.value(protocol.DateTimeChar))
}

func TestDeviceTimeMalformed(t *testing.T) {
	fc := newGR1234()
	fc.set(protocol.CameraService, protocol.DateTimeChar, []byte{1, 2, 3})
	cam, _ := connect(t, fc, Options{})

	_, ok, err := cam.DeviceTime(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTimeDrift(t *testing.T) {
	cam, _ := connect(t, newGR1234(), Options{})
	cam.now = func() time.Time { return time.Date(2023, 7, 18, 9, 0, 0, 500, time.UTC) }

	drift, ok, err := cam.TimeDrift(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3*time.Minute+59*time.Second, drift)
	assert.Greater(t, drift, DriftWarning)
}

func TestGeoTag(t *testing.T) {
	fc := newGR1234()
	cam, _ := connect(t, fc, Options{})
	ctx := context.Background()

	on, ok, err := cam.GeoTag(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, on)

	ok, err = cam.SetGeoTag(ctx, true)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{0x01}, fc.value(protocol.GeoTagChar))
	assert.Len(t, fc.writes[protocol.GeoTagChar], 1)

	on, ok, err = cam.GeoTag(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, on)
}

func TestGeoTagFlagDecoding(t *testing.T) {
	fc := newGR1234()
	fc.set(protocol.CameraService, protocol.GeoTagChar, []byte{0x02})
	cam, _ := connect(t, fc, Options{})
	ctx := context.Background()

	on, ok, err := cam.GeoTag(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "lenient decoding accepts unknown values")
	assert.False(t, on)

	cam.strict = true
	_, ok, err = cam.GeoTag(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "strict decoding rejects unknown values")
}

func TestGeoTagNotInProfile(t *testing.T) {
	fc := newGR1234()
	cam, _ := connect(t, fc, Options{Profile: protocol.ProfileV1})
	ctx := context.Background()

	_, ok, err := cam.GeoTag(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = cam.SetGeoTag(ctx, true)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []byte{0x00}, fc.value(protocol.GeoTagChar), "nothing written")
}

func TestBattery(t *testing.T) {
	fc := newGR1234()
	cam, _ := connect(t, fc, Options{})
	ctx := context.Background()

	level, ok, err := cam.Battery(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, protocol.BatteryLevel{Percent: 87, Source: protocol.PowerBattery}, level)

	fc.set(protocol.CameraService, protocol.BatteryLevelChar, []byte{200})
	_, ok, err = cam.Battery(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBatteryMissingCharacteristic(t *testing.T) {
	fc := newFakeCamera()
	fc.set(protocol.CameraService, protocol.CameraPowerChar, []byte{1})
	cam, _ := connect(t, fc, Options{})

	_, ok, err := cam.Battery(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPowerState(t *testing.T) {
	cam, _ := connect(t, newGR1234(), Options{})
	on, ok, err := cam.PowerState(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, on)
}

func TestDiscoveryIsCached(t *testing.T) {
	fc := newGR1234()
	cam, central := connect(t, fc, Options{})
	ctx := context.Background()

	_, _, err := cam.Battery(ctx)
	require.NoError(t, err)
	s, err := central.Session()
	require.NoError(t, err)
	_, ok := s.Peripheral().Characteristic(protocol.BatteryLevelChar)
	assert.True(t, ok)

	_, _, err = cam.PowerState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, fc.readCount())
}

func TestWatchBattery(t *testing.T) {
	fc := newGR1234()
	cam, _ := connect(t, fc, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var levels []protocol.BatteryLevel
	done := make(chan error, 1)
	go func() {
		done <- cam.WatchBattery(ctx, func(l protocol.BatteryLevel) {
			mu.Lock()
			defer mu.Unlock()
			levels = append(levels, l)
		})
	}()
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(levels)
	}

	require.Eventually(t, func() bool { return count() == 1 && fc.isNotifying(protocol.BatteryLevelChar) }, 2*time.Second, time.Millisecond)
	fc.notify(protocol.BatteryLevelChar, []byte{86, 0})
	fc.notify(protocol.BatteryLevelChar, []byte{0xFF}) // malformed, skipped
	fc.notify(protocol.BatteryLevelChar, []byte{100, 1})
	require.Eventually(t, func() bool { return count() == 3 }, 2*time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WatchBattery did not return after cancel")
	}

	mu.Lock()
	assert.Equal(t, []protocol.BatteryLevel{
		{Percent: 87, Source: protocol.PowerBattery},
		{Percent: 86, Source: protocol.PowerBattery},
		{Percent: 100, Source: protocol.PowerExternal},
	}, levels)
	mu.Unlock()
	require.Eventually(t, func() bool { return !fc.isNotifying(protocol.BatteryLevelChar) }, 2*time.Second, time.Millisecond)
}

func TestWatchBatteryEndsWithSession(t *testing.T) {
	fc := newGR1234()
	cam, central := connect(t, fc, Options{})

	done := make(chan error, 1)
	go func() {
		done <- cam.WatchBattery(context.Background(), func(protocol.BatteryLevel) {})
	}()
	require.Eventually(t, func() bool { return fc.isNotifying(protocol.BatteryLevelChar) }, 2*time.Second, time.Millisecond)

	require.NoError(t, central.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ble.ErrCancelled)
		assert.ErrorIs(t, err, ble.ErrSessionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("WatchBattery did not return after the session ended")
	}
}

func TestWatchBatteryLinkDropped(t *testing.T) {
	fc := newGR1234()
	cam, central := connect(t, fc, Options{})

	done := make(chan error, 1)
	go func() {
		done <- cam.WatchBattery(context.Background(), func(protocol.BatteryLevel) {})
	}()
	require.Eventually(t, func() bool { return fc.isNotifying(protocol.BatteryLevelChar) }, 2*time.Second, time.Millisecond)

	fc.drop()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ble.ErrLinkDropped)
	case <-time.After(2 * time.Second):
		t.Fatal("WatchBattery did not return after the link dropped")
	}

	// The central reconnects to the same camera.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := central.WaitReady(ctx)
	require.NoError(t, err)
	_, ok, err := cam.Battery(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWatchBatteryUnsupported(t *testing.T) {
	cam, _ := connect(t, newGR1234(), Options{Profile: protocol.ProfileV1})
	err := cam.WatchBattery(context.Background(), func(protocol.BatteryLevel) {})
	assert.ErrorIs(t, err, ErrUnsupported)
}
