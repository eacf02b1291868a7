package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/srg/blecore/internal/device"
)

// Advertisement is a static device.Advertisement for tests.
type Advertisement struct {
	Name        string
	Address     string
	Rssi        int
	ServiceList []string
	ManufData   []byte
	TxPower     int
	IsConnect   bool
	RawData     []byte
}

func (a *Advertisement) LocalName() string        { return a.Name }
func (a *Advertisement) ManufacturerData() []byte { return a.ManufData }
func (a *Advertisement) Services() []string       { return a.ServiceList }
func (a *Advertisement) TxPowerLevel() int        { return a.TxPower }
func (a *Advertisement) Connectable() bool        { return a.IsConnect }
func (a *Advertisement) RSSI() int                { return a.Rssi }
func (a *Advertisement) Addr() string             { return a.Address }
func (a *Advertisement) Raw() []byte              { return a.RawData }

// AdvertisementBuilder builds test advertisements with a fluent API.
type AdvertisementBuilder struct {
	adv Advertisement
}

// NewAdvertisementBuilder creates a builder for a connectable advertisement
// with no TX power reported.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{adv: Advertisement{
		Rssi:      -50,
		TxPower:   127,
		IsConnect: true,
	}}
}

// WithName sets the local name for the advertisement.
func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.Name = name
	return b
}

// WithAddress sets the device address for the advertisement.
func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.adv.Address = addr
	return b
}

// WithRSSI sets the signal strength for the advertisement.
func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.Rssi = rssi
	return b
}

// WithServices adds service UUIDs to the advertisement.
// UUIDs can be in short form (e.g., "180D") or full form.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.adv.ServiceList = append(b.adv.ServiceList, uuids...)
	return b
}

// WithManufacturerData sets the manufacturer-specific data.
func (b *AdvertisementBuilder) WithManufacturerData(data []byte) *AdvertisementBuilder {
	b.adv.ManufData = data
	return b
}

// WithTxPower sets the transmission power level.
func (b *AdvertisementBuilder) WithTxPower(power int) *AdvertisementBuilder {
	b.adv.TxPower = power
	return b
}

// WithConnectable sets whether the device accepts connections.
func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.adv.IsConnect = c
	return b
}

// WithRaw sets the raw advertising payload.
func (b *AdvertisementBuilder) WithRaw(raw []byte) *AdvertisementBuilder {
	b.adv.RawData = raw
	return b
}

// FromJSON fills builder fields from a JSON string with format support.
// Panics on invalid JSON as this is intended for test data setup.
func (b *AdvertisementBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var data struct {
		Name             *string  `json:"name"`
		Address          *string  `json:"address"`
		RSSI             *int     `json:"rssi"`
		Services         []string `json:"services"`
		ManufacturerData []byte   `json:"manufacturerData"`
		TxPower          *int     `json:"txPower"`
		Connectable      *bool    `json:"connectable"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
		panic(fmt.Sprintf("FromJSON: failed to unmarshal advertisement: %v", err))
	}

	if data.Name != nil {
		b.adv.Name = *data.Name
	}
	if data.Address != nil {
		b.adv.Address = *data.Address
	}
	if data.RSSI != nil {
		b.adv.Rssi = *data.RSSI
	}
	if data.Services != nil {
		b.adv.ServiceList = data.Services
	}
	if data.ManufacturerData != nil {
		b.adv.ManufData = data.ManufacturerData
	}
	if data.TxPower != nil {
		b.adv.TxPower = *data.TxPower
	}
	if data.Connectable != nil {
		b.adv.IsConnect = *data.Connectable
	}
	return b
}

// Build returns a copy of the configured advertisement.
func (b *AdvertisementBuilder) Build() *Advertisement {
	adv := b.adv
	adv.ServiceList = append([]string(nil), b.adv.ServiceList...)
	return &adv
}

// AdvertisementArrayBuilder collects advertisements replayed by a mocked
// scan.
//
//	item := NewAdvertisementArrayBuilder().
//	    WithAdvertisements(ad1, ad2).
//	    WithNewAdvertisement()
//	item.WithName("HeartRate3").WithAddress("11:22:33:44:55:66")
//	ads := item.Build().Build()
type AdvertisementArrayBuilder struct {
	advertisements []device.Advertisement
}

// NewAdvertisementArrayBuilder creates an empty array builder.
func NewAdvertisementArrayBuilder() *AdvertisementArrayBuilder {
	return &AdvertisementArrayBuilder{}
}

// WithAdvertisements appends pre-built advertisements.
func (ab *AdvertisementArrayBuilder) WithAdvertisements(ads ...device.Advertisement) *AdvertisementArrayBuilder {
	ab.advertisements = append(ab.advertisements, ads...)
	return ab
}

// WithNewAdvertisement starts a nested builder whose Build appends to this
// array and returns it.
func (ab *AdvertisementArrayBuilder) WithNewAdvertisement() *AdvertisementArrayBuilderItem {
	return &AdvertisementArrayBuilderItem{
		AdvertisementBuilder: NewAdvertisementBuilder(),
		parent:               ab,
	}
}

// Build returns the collected advertisements.
func (ab *AdvertisementArrayBuilder) Build() []device.Advertisement {
	return ab.advertisements
}

// AdvertisementArrayBuilderItem is an AdvertisementBuilder bound to its
// parent array.
type AdvertisementArrayBuilderItem struct {
	*AdvertisementBuilder
	parent *AdvertisementArrayBuilder
}

// Build adds the advertisement to the parent array and returns the array builder
func (abi *AdvertisementArrayBuilderItem) Build() *AdvertisementArrayBuilder {
	abi.parent.advertisements = append(abi.parent.advertisements, abi.AdvertisementBuilder.Build())
	return abi.parent
}
