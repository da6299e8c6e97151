package models

import "time"

// DeviceBinding is one account ever seen on a device.
type DeviceBinding struct {
	AccountID string    `json:"account_id" bson:"account_id"`
	BoundAt   time.Time `json:"bound_at" bson:"bound_at"`
	LastSeen  time.Time `json:"last_seen" bson:"last_seen"`
}

// DeviceFingerprint binds a device to every account that used it.
// DeviceKey is a keyed hash; raw device identifiers are not stored.
type DeviceFingerprint struct {
	DeviceKey  string          `json:"device_key" bson:"_id"`
	InstallIDs []string        `json:"install_ids" bson:"install_ids"`
	Platform   string          `json:"platform" bson:"platform"`
	FirstSeen  time.Time       `json:"first_seen" bson:"first_seen"`
	LastSeen   time.Time       `json:"last_seen" bson:"last_seen"`
	Bindings   []DeviceBinding `json:"bindings" bson:"bindings"`
}

func (d *DeviceFingerprint) Clone() *DeviceFingerprint {
	if d == nil {
		return nil
	}
	c := *d
	c.InstallIDs = append([]string(nil), d.InstallIDs...)
	c.Bindings = append([]DeviceBinding(nil), d.Bindings...)
	return &c
}

// Binding returns the binding for accountID, if any.
func (d *DeviceFingerprint) Binding(accountID string) (DeviceBinding, bool) {
	for _, b := range d.Bindings {
		if b.AccountID == accountID {
			return b, true
		}
	}
	return DeviceBinding{}, false
}

type RegisterFingerprintRequest struct {
	DeviceID  string `json:"device_id"`
	InstallID string `json:"install_id"`
	Platform  string `json:"platform"`
}

func (r *RegisterFingerprintRequest) Validate() map[string]string {
	errors := make(map[string]string)
	if r.DeviceID == "" {
		errors["device_id"] = "Device ID is required"
	}
	switch r.Platform {
	case "ios", "android", "web":
	default:
		errors["platform"] = "Platform must be ios, android or web"
	}
	return errors
}
