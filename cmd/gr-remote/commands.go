package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/chaz8081/gr-remote/internal/ble"
	"github.com/chaz8081/gr-remote/internal/ble/protocol"
	"github.com/chaz8081/gr-remote/internal/camera"
	"github.com/chaz8081/gr-remote/internal/config"
)

const notSupported = "not supported by this camera"

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func deviceFilter() (ble.DeviceFilter, error) {
	return ble.NewDeviceFilter(cfg.Device.Identifier, cfg.Device.NamePattern)
}

// connect starts a Central and waits for the camera. Closing the returned
// Central disconnects.
func connect(ctx context.Context, c *cli.Context) (*camera.Camera, *ble.Central, error) {
	printBanner(cfg)

	filter, err := deviceFilter()
	if err != nil {
		return nil, nil, err
	}
	profile, ok := protocol.ProfileByName(cfg.Device.Protocol)
	if !ok {
		return nil, nil, fmt.Errorf("unknown protocol profile %q", cfg.Device.Protocol)
	}

	opts := ble.DefaultCentralOptions()
	opts.Filter = filter
	opts.Store = ble.NewFileStore(cfg.Session.StatePath)
	if cfg.Session.ReconnectMax > 0 {
		opts.ReconnectMax = cfg.Session.ReconnectMax
	}
	if cfg.Session.ConnectTimeout > 0 {
		opts.ConnectTimeout = cfg.Session.ConnectTimeout
	}
	central := ble.NewCentral(ble.NewTinyGoAdapter(), opts)
	central.OnStateChange(func(s ble.State) {
		slog.Debug("[BLE] connection state", "state", s)
	})
	if err := central.Start(ctx); err != nil {
		return nil, nil, err
	}

	wctx, cancel := context.WithTimeout(ctx, c.GlobalDuration("timeout"))
	defer cancel()
	if _, err := central.WaitReady(wctx); err != nil {
		_ = central.Close()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, fmt.Errorf("no camera found within %s", c.GlobalDuration("timeout"))
		}
		return nil, nil, err
	}

	cam := camera.New(central, camera.Options{
		Profile:     profile,
		StrictFlags: cfg.Camera.StrictFlags,
		Timeout:     cfg.Camera.CommandTimeout,
	})
	return cam, central, nil
}

func scan(c *cli.Context) error {
	filter, err := deviceFilter()
	if err != nil {
		return err
	}
	if c.Bool("all") {
		filter = ble.DeviceFilter{}
	}

	ctx, stop := signalContext()
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, c.Duration("duration"))
	defer cancel()

	fmt.Printf("Scanning for %s...\n", c.Duration("duration"))
	devices, err := ble.ScanForDevices(ctx, ble.NewTinyGoAdapter(), filter)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("No cameras found.")
		return nil
	}
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Printf("  %-20s %-40s %d dBm\n", name, d.ID, d.RSSI)
	}
	return nil
}

func info(c *cli.Context) error {
	ctx, stop := signalContext()
	defer stop()
	cam, central, err := connect(ctx, c)
	if err != nil {
		return err
	}
	defer central.Close()

	inf, err := cam.DeviceInfo(ctx)
	if err != nil {
		return err
	}
	if inf == nil {
		fmt.Println(notSupported)
		return nil
	}
	for _, f := range []struct {
		label string
		value *string
	}{
		{"Model", inf.Model},
		{"Firmware", inf.Firmware},
		{"Serial", inf.Serial},
		{"Name", inf.LinkName},
		{"Manufacturer", inf.Manufacturer},
		{"MAC address", inf.MACAddress},
	} {
		if f.value != nil {
			fmt.Printf("%-13s %s\n", f.label+":", *f.value)
		}
	}
	return nil
}

func battery(c *cli.Context) error {
	ctx, stop := signalContext()
	defer stop()
	cam, central, err := connect(ctx, c)
	if err != nil {
		return err
	}
	defer central.Close()

	level, ok, err := cam.Battery(ctx)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println(notSupported)
		return nil
	}
	fmt.Println(level)
	return nil
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	default:
		return false, fmt.Errorf("expected on or off, got %q", s)
	}
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func geotag(c *cli.Context) error {
	var (
		set    bool
		enable bool
	)
	if c.NArg() > 0 {
		v, err := parseOnOff(c.Args().First())
		if err != nil {
			return err
		}
		set, enable = true, v
	}

	ctx, stop := signalContext()
	defer stop()
	cam, central, err := connect(ctx, c)
	if err != nil {
		return err
	}
	defer central.Close()

	if set {
		ok, err := cam.SetGeoTag(ctx, enable)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println(notSupported)
			return nil
		}
	}
	on, ok, err := cam.GeoTag(ctx)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println(notSupported)
		return nil
	}
	fmt.Printf("Geotagging: %s\n", onOff(on))
	return nil
}

func clock(c *cli.Context) error {
	ctx, stop := signalContext()
	defer stop()
	cam, central, err := connect(ctx, c)
	if err != nil {
		return err
	}
	defer central.Close()

	if c.Bool("sync") {
		ok, err := cam.SyncTime(ctx)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println(notSupported)
			return nil
		}
	}

	t, ok, err := cam.DeviceTime(ctx)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println(notSupported)
		return nil
	}
	drift := t.Sub(time.Now().Truncate(time.Second))
	fmt.Printf("Camera time: %s (%s local)\n", t.Format(time.RFC3339), t.Local().Format("2006-01-02 15:04:05"))
	fmt.Printf("Drift:       %s\n", drift.Round(time.Second))
	if drift > camera.DriftWarning || drift < -camera.DriftWarning {
		fmt.Println("The camera clock is off; run 'gr-remote time --sync' to fix it.")
	}
	return nil
}

func power(c *cli.Context) error {
	ctx, stop := signalContext()
	defer stop()
	cam, central, err := connect(ctx, c)
	if err != nil {
		return err
	}
	defer central.Close()

	on, ok, err := cam.PowerState(ctx)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println(notSupported)
		return nil
	}
	fmt.Printf("Power: %s\n", onOff(on))
	return nil
}

func watchBattery(c *cli.Context) error {
	ctx, stop := signalContext()
	defer stop()
	cam, central, err := connect(ctx, c)
	if err != nil {
		return err
	}
	defer central.Close()

	fmt.Println("Watching battery, Ctrl+C to stop.")
	for {
		sess, err := central.WaitReady(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		err = cam.WatchBattery(ctx, func(level protocol.BatteryLevel) {
			fmt.Printf("%s  %s\n", time.Now().Format("15:04:05"), level)
		})
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, camera.ErrUnsupported):
			fmt.Println(notSupported)
			return nil
		case err != nil && !sessionLost(err):
			return err
		}

		// Wait out the old session so WaitReady returns its successor.
		select {
		case <-sess.Done():
		case <-ctx.Done():
			return nil
		}
		fmt.Println("Camera disconnected, waiting for it to come back.")
	}
}

// sessionLost reports whether err came from the link going away.
func sessionLost(err error) bool {
	return errors.Is(err, ble.ErrCancelled) || errors.Is(err, ble.ErrNotConnected)
}

func forget(c *cli.Context) error {
	store := ble.NewFileStore(cfg.Session.StatePath)
	st, err := store.Load()
	if err != nil {
		slog.Warn("[BLE] session state unreadable, removing it", "error", err)
	}
	if err := store.Clear(); err != nil {
		return err
	}
	if st == nil {
		fmt.Printf("No camera remembered in %s.\n", store.Path())
		return nil
	}
	fmt.Printf("Forgot %s (%s), removed %s.\n", st.DeviceName, st.DeviceID, store.Path())
	return nil
}

func initConfig(c *cli.Context) error {
	path, err := config.WriteDefault()
	if err != nil {
		return err
	}
	if path == "" {
		fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
		return nil
	}
	fmt.Printf("Wrote default config to %s\n", path)
	return nil
}
