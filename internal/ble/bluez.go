package ble

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/muka/go-bluetooth/api"
	"github.com/muka/go-bluetooth/bluez"
	"github.com/muka/go-bluetooth/bluez/profile/adapter"
	"github.com/muka/go-bluetooth/bluez/profile/device"
	"github.com/muka/go-bluetooth/bluez/profile/gatt"
)

// BlueZProvider acquires the default BlueZ adapter over D-Bus.
//
// Some BlueZ D-Bus interface documentation:
// https://git.kernel.org/pub/scm/bluetooth/bluez.git/tree/doc
type BlueZProvider struct{}

// Acquire returns the system's default adapter.
func (BlueZProvider) Acquire() (Adapter, error) {
	a, err := api.GetDefaultAdapter()
	if err != nil {
		return nil, fmt.Errorf("ble: get default adapter: %w", err)
	}
	return &bluezAdapter{adapter: a}, nil
}

var _ Provider = BlueZProvider{}

type bluezAdapter struct {
	adapter *adapter.Adapter1
}

func (a *bluezAdapter) Address() string {
	addr, err := a.adapter.GetAddress()
	if err != nil {
		return ""
	}
	return addr
}

func (a *bluezAdapter) Powered() (bool, error) {
	return a.adapter.GetPowered()
}

func (a *bluezAdapter) SetPowered(on bool) error {
	return a.adapter.SetPowered(on)
}

func (a *bluezAdapter) Discovering() (bool, error) {
	return a.adapter.GetDiscovering()
}

func (a *bluezAdapter) StartDiscovery() error {
	// Without an explicit LE transport filter BlueZ reports no discovery
	// results at all on some stacks.
	if err := a.adapter.SetDiscoveryFilter(map[string]interface{}{"Transport": "le"}); err != nil {
		return fmt.Errorf("ble: set discovery filter: %w", err)
	}
	return a.adapter.StartDiscovery()
}

func (a *bluezAdapter) StopDiscovery() error {
	err := a.adapter.StopDiscovery()
	if err != nil && isNotDiscoveringErr(err) {
		return ErrNotDiscovering
	}
	return err
}

func (a *bluezAdapter) DeviceAddresses() ([]string, error) {
	devices, err := a.adapter.GetDevices()
	if err != nil {
		return nil, fmt.Errorf("ble: list devices: %w", err)
	}
	addrs := make([]string, 0, len(devices))
	for _, d := range devices {
		if d != nil && d.Properties != nil {
			addrs = append(addrs, d.Properties.Address)
		}
	}
	return addrs, nil
}

func (a *bluezAdapter) Device(address string) (Device, error) {
	d, err := a.adapter.GetDeviceByAddress(address)
	if err != nil {
		return nil, fmt.Errorf("ble: get device %s: %w", address, err)
	}
	if d == nil {
		return nil, fmt.Errorf("ble: device %s not known to adapter", address)
	}
	return &bluezDevice{dev: d}, nil
}

func (a *bluezAdapter) Release() error {
	a.adapter.Close()
	return nil
}

type bluezDevice struct {
	dev *device.Device1
}

func (d *bluezDevice) Address() string {
	return d.dev.Properties.Address
}

func (d *bluezDevice) Name() (string, error) {
	props, err := d.dev.GetProperties()
	if err != nil {
		return "", fmt.Errorf("ble: device properties: %w", err)
	}
	if props.Name != "" {
		return props.Name, nil
	}
	return props.Alias, nil
}

// RSSI reads the signal strength, falling back to the cached properties
// when the direct property read fails (BlueZ only exposes RSSI while the
// device is advertising).
func (d *bluezDevice) RSSI() (int16, error) {
	rssi, err := d.dev.GetRSSI()
	if err == nil {
		return rssi, nil
	}
	props, perr := d.dev.GetProperties()
	if perr != nil || props.RSSI == 0 {
		return 0, fmt.Errorf("ble: rssi unavailable: %w", err)
	}
	return props.RSSI, nil
}

// Connect wraps the blocking BlueZ connect call so it also respects ctx.
// The underlying call cannot be aborted; on cancellation its eventual
// result is discarded.
func (d *bluezDevice) Connect(ctx context.Context) error {
	ch := make(chan error, 1)
	go func() {
		ch <- d.dev.Connect()
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("ble: connect to %s: %w", d.Address(), ctx.Err())
	case err := <-ch:
		if err != nil {
			return fmt.Errorf("ble: connect to %s: %w", d.Address(), err)
		}
		return nil
	}
}

func (d *bluezDevice) Disconnect() error {
	return d.dev.Disconnect()
}

func (d *bluezDevice) OnDisconnect(cb func()) (func() error, error) {
	ch, err := d.dev.WatchProperties()
	if err != nil {
		return nil, fmt.Errorf("ble: watch device properties: %w", err)
	}
	go func() {
		for change := range ch {
			if change.Name != "Connected" {
				continue
			}
			if connected, ok := change.Value.(bool); ok && !connected {
				cb()
			}
		}
	}()
	remove := func() error {
		return d.dev.UnwatchProperties(ch)
	}
	return remove, nil
}

// Service waits for BlueZ to resolve GATT services, then walks the
// ObjectManager tree under the device path looking for the service with
// the given UUID. BlueZ exposes resolved services as child objects; there
// is no direct lookup call.
func (d *bluezDevice) Service(uuid string) (Service, error) {
	if err := d.waitServicesResolved(10 * time.Second); err != nil {
		return nil, err
	}

	paths, err := managedPathsUnder(string(d.dev.Path()), "/service")
	if err != nil {
		return nil, err
	}
	for _, path := range paths {
		svc, err := gatt.NewGattService1(dbus.ObjectPath(path))
		if err != nil {
			return nil, fmt.Errorf("ble: open service %s: %w", path, err)
		}
		if strings.EqualFold(svc.Properties.UUID, uuid) {
			return &bluezService{service: svc}, nil
		}
	}
	return nil, fmt.Errorf("ble: service %s not found on %s", uuid, d.Address())
}

func (d *bluezDevice) waitServicesResolved(timeout time.Duration) error {
	start := time.Now()
	for {
		resolved, err := d.dev.GetServicesResolved()
		if err != nil {
			return fmt.Errorf("ble: services resolved: %w", err)
		}
		if resolved {
			return nil
		}
		if time.Since(start) > timeout {
			return fmt.Errorf("ble: timeout waiting for service resolution on %s", d.Address())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type bluezService struct {
	service *gatt.GattService1
}

func (s *bluezService) UUID() string {
	return s.service.Properties.UUID
}

func (s *bluezService) Characteristics() ([]Characteristic, error) {
	paths, err := managedPathsUnder(string(s.service.Path()), "/char")
	if err != nil {
		return nil, err
	}
	chars := make([]Characteristic, 0, len(paths))
	for _, path := range paths {
		c, err := gatt.NewGattCharacteristic1(dbus.ObjectPath(path))
		if err != nil {
			return nil, fmt.Errorf("ble: open characteristic %s: %w", path, err)
		}
		chars = append(chars, &bluezCharacteristic{char: c})
	}
	return chars, nil
}

type bluezCharacteristic struct {
	char  *gatt.GattCharacteristic1
	watch chan *bluez.PropertyChanged
}

func (c *bluezCharacteristic) UUID() string {
	return c.char.Properties.UUID
}

func (c *bluezCharacteristic) Subscribe(cb func(data []byte)) error {
	ch, err := c.char.WatchProperties()
	if err != nil {
		return fmt.Errorf("ble: watch characteristic: %w", err)
	}
	c.watch = ch
	go func() {
		for update := range ch {
			if update.Interface != "org.bluez.GattCharacteristic1" || update.Name != "Value" {
				continue
			}
			if buf, ok := update.Value.([]byte); ok {
				cb(buf)
			}
		}
	}()
	return c.char.StartNotify()
}

func (c *bluezCharacteristic) Unsubscribe() error {
	err := c.char.StopNotify()
	if c.watch != nil {
		if uerr := c.char.UnwatchProperties(c.watch); uerr != nil && err == nil {
			err = uerr
		}
		c.watch = nil
	}
	return err
}

// managedPathsUnder lists direct children of parent whose path segment
// starts with prefix (e.g. "/service", "/char"), in stable order.
func managedPathsUnder(parent, prefix string) ([]string, error) {
	om, err := bluez.GetObjectManager()
	if err != nil {
		return nil, fmt.Errorf("ble: object manager: %w", err)
	}
	objects, err := om.GetManagedObjects()
	if err != nil {
		return nil, fmt.Errorf("ble: managed objects: %w", err)
	}

	var out []string
	for objectPath := range objects {
		path := string(objectPath)
		if !strings.HasPrefix(path, parent+prefix) {
			continue
		}
		suffix := path[len(parent)+1:]
		if len(strings.Split(suffix, "/")) != 1 {
			continue
		}
		out = append(out, path)
	}
	sort.Strings(out)
	return out, nil
}
