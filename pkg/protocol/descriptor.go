package protocol

import (
	"encoding/json"
	"fmt"
)

// Hardware identifies the physical appliance.
type Hardware struct {
	Type       string `json:"type"`
	SubType    string `json:"subType"`
	Version    string `json:"version"`
	ChipType   string `json:"chipType"`
	UUID       string `json:"uuid"`
	MacAddress string `json:"macAddress"`
}

// Firmware carries the firmware build plus the network identity the device
// reports about itself. InnerIP is the device's LAN address and is the field
// whose change must be persisted by the session.
type Firmware struct {
	Version     string `json:"version"`
	CompileTime string `json:"compileTime"`
	WifiMac     string `json:"wifiMac"`
	InnerIP     string `json:"innerIp"`
	Server      string `json:"server"`
	Port        int    `json:"port"`
	UserID      int    `json:"userId"`
}

// TimeInfo is the device clock block of the full-state payload.
type TimeInfo struct {
	Timestamp int64  `json:"timestamp"`
	Timezone  string `json:"timezone"`
}

// systemAll mirrors the shape of an Appliance.System.All GETACK payload.
type systemAll struct {
	All struct {
		System struct {
			Hardware Hardware `json:"hardware"`
			Firmware Firmware `json:"firmware"`
			Time     TimeInfo `json:"time"`
			Online   struct {
				Status int `json:"status"`
			} `json:"online"`
		} `json:"system"`
		Digest map[string]json.RawMessage `json:"digest"`
	} `json:"all"`
}

// Descriptor is the last-known full-state snapshot of a device: identity,
// capabilities, and the per-subsystem digest. It is replaced as a whole by
// each full-state response and never merged field by field.
type Descriptor struct {
	Hardware Hardware
	Firmware Firmware
	Time     TimeInfo

	// Ability maps supported namespaces to their (opaque) option payloads.
	Ability map[string]json.RawMessage

	// Digest holds the per-capability state blocks keyed by digest tag
	// (for example "togglex").
	Digest map[string]json.RawMessage

	// All is the raw full-state payload the snapshot was built from, kept
	// for persistence and diagnostics.
	All json.RawMessage
}

// NewDescriptor builds a descriptor from a full-state payload plus an
// optional ability payload (the response to Appliance.System.Ability).
func NewDescriptor(allPayload, abilityPayload json.RawMessage) (*Descriptor, error) {
	d := &Descriptor{Ability: map[string]json.RawMessage{}}
	if len(abilityPayload) > 0 {
		var ab struct {
			Ability map[string]json.RawMessage `json:"ability"`
		}
		if err := json.Unmarshal(abilityPayload, &ab); err != nil {
			return nil, fmt.Errorf("decode ability payload: %w", err)
		}
		if ab.Ability != nil {
			d.Ability = ab.Ability
		}
	}
	if len(allPayload) > 0 {
		if err := d.Update(allPayload); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Update replaces the snapshot from a full-state payload. It is a
// whole-object replace: every derived field is overwritten, so applying the
// same payload twice is idempotent. The ability map is left untouched since
// it arrives on a different namespace.
func (d *Descriptor) Update(allPayload json.RawMessage) error {
	var p systemAll
	if err := json.Unmarshal(allPayload, &p); err != nil {
		return fmt.Errorf("decode full-state payload: %w", err)
	}
	d.Hardware = p.All.System.Hardware
	d.Firmware = p.All.System.Firmware
	d.Time = p.All.System.Time
	d.Digest = p.All.Digest
	d.All = allPayload
	return nil
}

// Type returns the appliance model type ("mss310", "msh300", ...).
func (d *Descriptor) Type() string {
	return d.Hardware.Type
}

// InnerIP returns the device-reported LAN address, empty when unknown.
func (d *Descriptor) InnerIP() string {
	return d.Firmware.InnerIP
}

// Timezone returns the device-reported timezone name, empty when unset.
func (d *Descriptor) Timezone() string {
	return d.Time.Timezone
}

// IsHub reports whether the device exposes a subdevice hub digest. Hubs use
// dedicated per-namespace polling instead of the bulky full-state request.
func (d *Descriptor) IsHub() bool {
	_, ok := d.Digest[KeyHub]
	return ok
}

// HasAbility reports whether the device advertises the given namespace.
func (d *Descriptor) HasAbility(namespace string) bool {
	_, ok := d.Ability[namespace]
	return ok
}

// OnlineStatus extracts the device-reported status from an
// Appliance.System.Online payload. Returns StatusUnknown when the payload
// does not carry one.
func OnlineStatus(payload json.RawMessage) int {
	var p struct {
		Online *struct {
			Status int `json:"status"`
		} `json:"online"`
	}
	if err := json.Unmarshal(payload, &p); err != nil || p.Online == nil {
		return StatusUnknown
	}
	return p.Online.Status
}
