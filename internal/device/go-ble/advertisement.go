package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/blecore/internal/device"
)

// Advertising data types used when rebuilding the raw payload.
const (
	adTypeIncomplete16  = 0x02
	adTypeIncomplete128 = 0x06
	adTypeCompleteName  = 0x09
	adTypeTxPower       = 0x0A
	adTypeManufacturer  = 0xFF
)

// BLEAdvertisement wraps ble.Advertisement to implement device.Advertisement interface
type BLEAdvertisement struct {
	adv ble.Advertisement
}

// NewBLEAdvertisement creates a new BLEAdvertisement wrapper
func NewBLEAdvertisement(adv ble.Advertisement) device.Advertisement {
	return &BLEAdvertisement{adv: adv}
}

func (a *BLEAdvertisement) LocalName() string        { return a.adv.LocalName() }
func (a *BLEAdvertisement) ManufacturerData() []byte { return a.adv.ManufacturerData() }
func (a *BLEAdvertisement) TxPowerLevel() int        { return a.adv.TxPowerLevel() }
func (a *BLEAdvertisement) Connectable() bool        { return a.adv.Connectable() }
func (a *BLEAdvertisement) RSSI() int                { return a.adv.RSSI() }
func (a *BLEAdvertisement) Addr() string             { return a.adv.Addr().String() }

func (a *BLEAdvertisement) Services() []string {
	bleServices := a.adv.Services()
	result := make([]string, len(bleServices))
	for i, svc := range bleServices {
		result[i] = svc.String()
	}
	return result
}

// Raw rebuilds the advertising data structures from the decoded fields.
// CoreBluetooth never exposes the original PDU, so this is the only form
// available on every platform.
func (a *BLEAdvertisement) Raw() []byte {
	var out []byte
	put := func(typ byte, data []byte) {
		if len(data) == 0 || len(data) > 254 {
			return
		}
		out = append(out, byte(len(data)+1), typ)
		out = append(out, data...)
	}

	put(adTypeCompleteName, []byte(a.adv.LocalName()))

	var short, long []byte
	for _, u := range a.adv.Services() {
		// ble.UUID is stored little-endian, which is the wire order
		switch u.Len() {
		case 2:
			short = append(short, u...)
		case 16:
			long = append(long, u...)
		}
	}
	put(adTypeIncomplete16, short)
	put(adTypeIncomplete128, long)

	if tx := a.adv.TxPowerLevel(); tx != 127 {
		put(adTypeTxPower, []byte{byte(int8(tx))})
	}
	put(adTypeManufacturer, a.adv.ManufacturerData())
	return out
}

// Unwrap returns the underlying ble.Advertisement
func (a *BLEAdvertisement) Unwrap() ble.Advertisement {
	return a.adv
}
