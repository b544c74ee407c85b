// Package camera implements the RICOH GR operations on top of a BLE
// session: device information, battery, clock and geotagging.
//
// Every operation resolves its service and characteristics first. An
// endpoint the camera does not expose, or that the configured protocol
// profile excludes, makes the result absent (ok == false) rather than an
// error. Transport failures and cancellations are returned as errors.
package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/gr-remote/internal/ble"
	"github.com/chaz8081/gr-remote/internal/ble/protocol"
)

// DriftWarning is the clock difference above which the camera's time is
// considered wrong.
const DriftWarning = 120 * time.Second

// ErrUnsupported is returned by streaming operations when the camera does
// not expose the endpoint.
var ErrUnsupported = errors.New("camera: not supported by this camera")

// Sessions supplies the current BLE session. *ble.Central satisfies it.
type Sessions interface {
	Session() (*ble.Session, error)
}

// Options configures a Camera.
type Options struct {
	Profile     protocol.Profile // zero value means protocol.ProfileAll
	StrictFlags bool             // reject flag bytes other than 0x00 and 0x01
	Timeout     time.Duration    // per operation; zero means none
	Logger      *slog.Logger
}

// Camera issues domain operations against whatever session is current.
type Camera struct {
	sessions Sessions
	profile  protocol.Profile
	strict   bool
	timeout  time.Duration
	log      *slog.Logger
	now      func() time.Time
}

// New creates a Camera.
func New(sessions Sessions, opts Options) *Camera {
	if opts.Profile.Name == "" {
		opts.Profile = protocol.ProfileAll
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Camera{
		sessions: sessions,
		profile:  opts.Profile,
		strict:   opts.StrictFlags,
		timeout:  opts.Timeout,
		log:      opts.Logger,
		now:      time.Now,
	}
}

// Info is the identity the camera reports. Each field is nil when the
// camera does not provide it.
type Info struct {
	Firmware     *string
	Model        *string
	Serial       *string
	LinkName     *string // Bluetooth device name
	Manufacturer *string
	MACAddress   *string // early firmware only
}

// DeviceInfo reads the camera information service. It returns nil when the
// service is absent.
func (c *Camera) DeviceInfo(ctx context.Context) (*Info, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	info := &Info{}
	fields := map[uuid.UUID]**string{
		protocol.FirmwareRevisionChar:    &info.Firmware,
		protocol.ModelNumberChar:         &info.Model,
		protocol.SerialNumberChar:        &info.Serial,
		protocol.BluetoothDeviceNameChar: &info.LinkName,
		protocol.ManufacturerNameChar:    &info.Manufacturer,
		protocol.BluetoothMACAddressChar: &info.MACAddress,
	}
	ids := make([]uuid.UUID, 0, len(fields))
	for id := range fields {
		ids = append(ids, id)
	}

	p, chars, ok, err := c.resolve(ctx, protocol.CameraInformationService, ids...)
	if err != nil {
		return nil, fmt.Errorf("camera: device info: %w", err)
	}
	if !ok {
		return nil, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for id, ch := range chars {
		dst := fields[id]
		g.Go(func() error {
			v, err := p.Read(gctx, ch)
			if err != nil {
				return err
			}
			if s, ok := protocol.DecodeText(v); ok {
				*dst = &s
			} else if v != nil {
				c.log.Debug("[CAMERA] ignoring undecodable text", "endpoint", protocol.Name(id))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("camera: device info: %w", err)
	}
	return info, nil
}

// GeoTag reports whether the camera embeds location data in photos.
func (c *Camera) GeoTag(ctx context.Context) (enabled, ok bool, err error) {
	v, ok, err := c.read(ctx, "geotag", protocol.CameraService, protocol.GeoTagChar)
	if err != nil || !ok {
		return false, false, err
	}
	enabled, ok = c.decodeFlag(v)
	return enabled, ok, nil
}

// SetGeoTag switches geotagging. ok is false when the camera has no
// geotag setting.
func (c *Camera) SetGeoTag(ctx context.Context, enabled bool) (ok bool, err error) {
	return c.write(ctx, "set geotag", protocol.CameraService, protocol.GeoTagChar, protocol.EncodeFlag(enabled))
}

// Battery reads the battery level.
func (c *Camera) Battery(ctx context.Context) (protocol.BatteryLevel, bool, error) {
	v, ok, err := c.read(ctx, "battery", protocol.CameraService, protocol.BatteryLevelChar)
	if err != nil || !ok {
		return protocol.BatteryLevel{}, false, err
	}
	level, ok := protocol.DecodeBattery(v)
	return level, ok, nil
}

// DeviceTime reads the camera clock (UTC).
func (c *Camera) DeviceTime(ctx context.Context) (time.Time, bool, error) {
	v, ok, err := c.read(ctx, "device time", protocol.CameraService, protocol.DateTimeChar)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	t, ok := protocol.DecodeDateTime(v)
	return t, ok, nil
}

// SyncTime sets the camera clock to the current time.
func (c *Camera) SyncTime(ctx context.Context) (bool, error) {
	now := c.now()
	ok, err := c.write(ctx, "sync time", protocol.CameraService, protocol.DateTimeChar, protocol.EncodeDateTime(now))
	if ok && err == nil {
		c.log.Info("[CAMERA] clock synchronized", "time", now.UTC().Truncate(time.Second))
	}
	return ok, err
}

// TimeDrift returns the camera clock minus the local clock.
func (c *Camera) TimeDrift(ctx context.Context) (time.Duration, bool, error) {
	t, ok, err := c.DeviceTime(ctx)
	if err != nil || !ok {
		return 0, ok, err
	}
	drift := t.Sub(c.now().Truncate(time.Second))
	if drift > DriftWarning || drift < -DriftWarning {
		c.log.Warn("[CAMERA] camera clock is off", "drift", drift)
	}
	return drift, true, nil
}

// PowerState reports whether the camera is switched on.
func (c *Camera) PowerState(ctx context.Context) (on, ok bool, err error) {
	v, ok, err := c.read(ctx, "power state", protocol.CameraService, protocol.CameraPowerChar)
	if err != nil || !ok {
		return false, false, err
	}
	on, ok = c.decodeFlag(v)
	return on, ok, nil
}

// WatchBattery calls fn with the current battery level and then with every
// level the camera notifies. It returns nil when ctx ends and the
// cancellation error when the session ends.
func (c *Camera) WatchBattery(ctx context.Context, fn func(protocol.BatteryLevel)) error {
	p, chars, ok, err := c.resolve(ctx, protocol.CameraService, protocol.BatteryLevelChar)
	if err != nil {
		return fmt.Errorf("camera: watch battery: %w", err)
	}
	ch, found := chars[protocol.BatteryLevelChar]
	if !ok || !found {
		return ErrUnsupported
	}

	sub, err := p.Subscribe(ctx, ch)
	if err != nil {
		return fmt.Errorf("camera: watch battery: %w", err)
	}
	defer func() {
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := p.Unsubscribe(uctx, sub); err != nil && !errors.Is(err, ble.ErrCancelled) {
			c.log.Warn("[CAMERA] failed to disable battery notifications", "error", err)
		}
	}()

	if v, err := p.Read(ctx, ch); err == nil {
		if level, ok := protocol.DecodeBattery(v); ok {
			fn(level)
		}
	} else if ctx.Err() == nil {
		return fmt.Errorf("camera: watch battery: %w", err)
	}

	for v, err := range sub.All(ctx) {
		var le *ble.LinkError
		switch {
		case err == nil:
		case errors.As(err, &le):
			c.log.Warn("[CAMERA] battery notification failed", "error", err)
			continue
		case ctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("camera: watch battery: %w", err)
		}
		level, ok := protocol.DecodeBattery(v)
		if !ok {
			c.log.Debug("[CAMERA] ignoring malformed battery notification", "value", fmt.Sprintf("%x", v))
			continue
		}
		fn(level)
	}
	return nil
}

func (c *Camera) read(ctx context.Context, op string, svc, id uuid.UUID) ([]byte, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	p, chars, ok, err := c.resolve(ctx, svc, id)
	if err != nil {
		return nil, false, fmt.Errorf("camera: %s: %w", op, err)
	}
	ch, found := chars[id]
	if !ok || !found {
		return nil, false, nil
	}
	v, err := p.Read(ctx, ch)
	if err != nil {
		return nil, false, fmt.Errorf("camera: %s: %w", op, err)
	}
	if v == nil {
		return nil, false, nil
	}
	return v, true, nil
}

func (c *Camera) write(ctx context.Context, op string, svc, id uuid.UUID, data []byte) (bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	p, chars, ok, err := c.resolve(ctx, svc, id)
	if err != nil {
		return false, fmt.Errorf("camera: %s: %w", op, err)
	}
	ch, found := chars[id]
	if !ok || !found {
		return false, nil
	}
	if err := p.WriteWithResponse(ctx, ch, data); err != nil {
		return false, fmt.Errorf("camera: %s: %w", op, err)
	}
	return true, nil
}

// resolve finds svc and those of ids that the camera exposes and the
// profile supports, using the session's discovery cache where possible.
// ok is false when the service itself is absent.
func (c *Camera) resolve(ctx context.Context, svc uuid.UUID, ids ...uuid.UUID) (*ble.Peripheral, map[uuid.UUID]ble.Characteristic, bool, error) {
	sess, err := c.sessions.Session()
	if err != nil {
		return nil, nil, false, err
	}
	p := sess.Peripheral()

	if !c.profile.Supports(svc) {
		return p, nil, false, nil
	}
	service, ok := p.Service(svc)
	if !ok {
		found, err := p.DiscoverServices(ctx, []uuid.UUID{svc})
		if err != nil {
			return nil, nil, false, err
		}
		for _, s := range found {
			if s.UUID == svc {
				service, ok = s, true
			}
		}
		if !ok {
			c.log.Debug("[CAMERA] service not found", "service", protocol.Name(svc))
			return p, nil, false, nil
		}
	}

	chars := make(map[uuid.UUID]ble.Characteristic, len(ids))
	var missing []uuid.UUID
	for _, id := range ids {
		if !c.profile.Supports(id) {
			continue
		}
		if ch, ok := p.Characteristic(id); ok && ch.Service == svc {
			chars[id] = ch
		} else {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		found, err := p.DiscoverCharacteristics(ctx, missing, service)
		if err != nil {
			return nil, nil, false, err
		}
		for _, ch := range found {
			chars[ch.UUID] = ch
		}
	}
	return p, chars, true, nil
}

func (c *Camera) decodeFlag(v []byte) (bool, bool) {
	if c.strict {
		return protocol.DecodeFlagStrict(v)
	}
	return protocol.DecodeFlag(v)
}

func (c *Camera) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}
