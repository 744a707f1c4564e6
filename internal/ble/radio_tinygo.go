package ble

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

// readBufferSize bounds a single characteristic read. Device information
// strings on the AxLE are far shorter than this.
const readBufferSize = 512

// TinyGoRadio implements Radio on top of tinygo-org/bluetooth, which drives
// CoreBluetooth on macOS and BlueZ on Linux.
type TinyGoRadio struct {
	adapter *bluetooth.Adapter

	// mu protects everything below.
	mu       sync.Mutex
	handler  func(Event)
	scanning bool
	peers    map[PeripheralID]*peer
}

type peer struct {
	device   bluetooth.Device
	services map[string]bluetooth.DeviceService
	chars    map[string]bluetooth.DeviceCharacteristic
}

// NewTinyGoRadio creates a Radio backed by the default system adapter.
func NewTinyGoRadio() *TinyGoRadio {
	return &TinyGoRadio{
		adapter: bluetooth.DefaultAdapter,
		peers:   make(map[PeripheralID]*peer),
	}
}

// Compile-time check that TinyGoRadio implements Radio.
var _ Radio = (*TinyGoRadio)(nil)

func (r *TinyGoRadio) Enable() error {
	if err := r.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	// tinygo reports link loss through the adapter-level connect handler
	// with connected=false.
	r.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := PeripheralID(device.Address.String())
		r.mu.Lock()
		_, known := r.peers[id]
		delete(r.peers, id)
		r.mu.Unlock()
		if known {
			r.emit(Event{Kind: EventDisconnected, Peripheral: id})
		}
	})
	return nil
}

func (r *TinyGoRadio) SetEventHandler(h func(Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = h
}

func (r *TinyGoRadio) emit(ev Event) {
	r.mu.Lock()
	h := r.handler
	r.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (r *TinyGoRadio) Scan(serviceFilter []string, allowDuplicates bool) error {
	filter, err := parseUUIDs(serviceFilter)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.scanning {
		r.mu.Unlock()
		return nil
	}
	r.scanning = true
	r.mu.Unlock()

	seen := make(map[PeripheralID]bool)
	go func() {
		err := r.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			if len(filter) > 0 && !hasAnyService(result, filter) {
				return
			}
			id := PeripheralID(result.Address.String())
			if !allowDuplicates {
				if seen[id] {
					return
				}
				seen[id] = true
			}
			r.emit(Event{
				Kind:       EventDiscovered,
				Peripheral: id,
				Name:       result.LocalName(),
				RSSI:       int(result.RSSI),
			})
		})

		r.mu.Lock()
		r.scanning = false
		r.mu.Unlock()
		if err != nil {
			slog.Warn("[BLE] scan ended with error", "error", err)
		}
	}()
	return nil
}

func (r *TinyGoRadio) StopScan() error {
	r.mu.Lock()
	scanning := r.scanning
	r.mu.Unlock()
	if !scanning {
		return nil
	}
	if err := r.adapter.StopScan(); err != nil {
		return fmt.Errorf("ble: stop scan: %w", err)
	}
	return nil
}

func (r *TinyGoRadio) Connect(id PeripheralID) error {
	var addr bluetooth.Address
	addr.Set(string(id))

	// tinygo's Connect blocks with its own internal timeout; the caller
	// bounds the wait with its own deadline.
	go func() {
		device, err := r.adapter.Connect(addr, bluetooth.ConnectionParams{})
		if err != nil {
			r.emit(Event{Kind: EventConnectFailed, Peripheral: id, Err: fmt.Errorf("ble: connect to %s: %w", id, err)})
			return
		}
		r.mu.Lock()
		r.peers[id] = &peer{
			device:   device,
			services: make(map[string]bluetooth.DeviceService),
			chars:    make(map[string]bluetooth.DeviceCharacteristic),
		}
		r.mu.Unlock()
		r.emit(Event{Kind: EventConnected, Peripheral: id})
	}()
	return nil
}

func (r *TinyGoRadio) Disconnect(id PeripheralID) error {
	p, err := r.peer(id)
	if err != nil {
		return err
	}
	if err := p.device.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect %s: %w", id, err)
	}
	return nil
}

func (r *TinyGoRadio) DiscoverServices(id PeripheralID, serviceUUIDs []string) error {
	p, err := r.peer(id)
	if err != nil {
		return err
	}
	uuids, err := parseUUIDs(serviceUUIDs)
	if err != nil {
		return err
	}

	go func() {
		svcs, err := p.device.DiscoverServices(uuids)
		if err != nil {
			r.emit(Event{Kind: EventServicesDiscovered, Peripheral: id, Err: fmt.Errorf("ble: discover services: %w", err)})
			return
		}
		found := make([]string, 0, len(svcs))
		r.mu.Lock()
		for _, svc := range svcs {
			key := normalize(svc.UUID().String())
			p.services[key] = svc
			found = append(found, key)
		}
		r.mu.Unlock()
		r.emit(Event{Kind: EventServicesDiscovered, Peripheral: id, Services: found})
	}()
	return nil
}

func (r *TinyGoRadio) DiscoverCharacteristics(id PeripheralID, serviceUUID string, charUUIDs []string) error {
	p, err := r.peer(id)
	if err != nil {
		return err
	}
	uuids, err := parseUUIDs(charUUIDs)
	if err != nil {
		return err
	}
	r.mu.Lock()
	svc, ok := p.services[normalize(serviceUUID)]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("ble: service %s not discovered on %s", serviceUUID, id)
	}

	go func() {
		chars, err := svc.DiscoverCharacteristics(uuids)
		if err != nil {
			r.emit(Event{Kind: EventCharacteristicsDiscovered, Peripheral: id, Service: serviceUUID,
				Err: fmt.Errorf("ble: discover characteristics: %w", err)})
			return
		}
		found := make([]string, 0, len(chars))
		r.mu.Lock()
		for _, c := range chars {
			key := normalize(c.UUID().String())
			p.chars[key] = c
			found = append(found, key)
		}
		r.mu.Unlock()
		r.emit(Event{Kind: EventCharacteristicsDiscovered, Peripheral: id, Service: serviceUUID, Characteristics: found})
	}()
	return nil
}

func (r *TinyGoRadio) ReadCharacteristic(id PeripheralID, charUUID string) error {
	c, err := r.char(id, charUUID)
	if err != nil {
		return err
	}
	go func() {
		buf := make([]byte, readBufferSize)
		n, err := c.Read(buf)
		if err != nil {
			r.emit(Event{Kind: EventValueUpdated, Peripheral: id, Characteristic: charUUID,
				Err: fmt.Errorf("ble: read %s: %w", charUUID, err)})
			return
		}
		r.emit(Event{Kind: EventValueUpdated, Peripheral: id, Characteristic: charUUID, Value: buf[:n]})
	}()
	return nil
}

func (r *TinyGoRadio) WriteWithoutResponse(id PeripheralID, charUUID string, data []byte) error {
	c, err := r.char(id, charUUID)
	if err != nil {
		return err
	}
	if _, err := c.WriteWithoutResponse(data); err != nil {
		return fmt.Errorf("ble: write %s: %w", charUUID, err)
	}
	return nil
}

func (r *TinyGoRadio) Subscribe(id PeripheralID, charUUID string) error {
	c, err := r.char(id, charUUID)
	if err != nil {
		return err
	}
	go func() {
		err := c.EnableNotifications(func(buf []byte) {
			value := make([]byte, len(buf))
			copy(value, buf)
			r.emit(Event{Kind: EventValueUpdated, Peripheral: id, Characteristic: charUUID, Value: value})
		})
		if err != nil {
			r.emit(Event{Kind: EventNotifyEnabled, Peripheral: id, Characteristic: charUUID,
				Err: fmt.Errorf("ble: enable notifications on %s: %w", charUUID, err)})
			return
		}
		r.emit(Event{Kind: EventNotifyEnabled, Peripheral: id, Characteristic: charUUID})
	}()
	return nil
}

func (r *TinyGoRadio) peer(id PeripheralID) (*peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	if !ok {
		return nil, fmt.Errorf("ble: %s is not connected", id)
	}
	return p, nil
}

func (r *TinyGoRadio) char(id PeripheralID, charUUID string) (bluetooth.DeviceCharacteristic, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	if !ok {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("ble: %s is not connected", id)
	}
	c, ok := p.chars[normalize(charUUID)]
	if !ok {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("ble: characteristic %s not discovered on %s", charUUID, id)
	}
	return c, nil
}

func parseUUIDs(in []string) ([]bluetooth.UUID, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]bluetooth.UUID, 0, len(in))
	for _, s := range in {
		u, err := bluetooth.ParseUUID(s)
		if err != nil {
			return nil, fmt.Errorf("ble: parse UUID %q: %w", s, err)
		}
		out = append(out, u)
	}
	return out, nil
}

func hasAnyService(result bluetooth.ScanResult, uuids []bluetooth.UUID) bool {
	for _, u := range uuids {
		if result.HasServiceUUID(u) {
			return true
		}
	}
	return false
}

func normalize(uuid string) string {
	return strings.ToLower(uuid)
}
