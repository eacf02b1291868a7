package device

import (
	"fmt"
	"sort"
	"strings"
)

// Property is a characteristic property bit as defined by the GATT spec.
type Property uint8

const (
	PropBroadcast   Property = 0x01
	PropRead        Property = 0x02
	PropWriteNR     Property = 0x04
	PropWrite       Property = 0x08
	PropNotify      Property = 0x10
	PropIndicate    Property = 0x20
	PropSignedWrite Property = 0x40
	PropExtended    Property = 0x80
)

var propertyNames = []struct {
	p    Property
	name string
}{
	{PropBroadcast, "broadcast"},
	{PropRead, "read"},
	{PropWriteNR, "write-without-response"},
	{PropWrite, "write"},
	{PropNotify, "notify"},
	{PropIndicate, "indicate"},
	{PropSignedWrite, "signed-write"},
	{PropExtended, "extended"},
}

// Has reports whether every bit of want is set.
func (p Property) Has(want Property) bool {
	return p&want == want
}

func (p Property) String() string {
	var names []string
	for _, n := range propertyNames {
		if p&n.p != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, ",")
}

// ParseProperties parses a comma separated list such as "read,notify".
func ParseProperties(s string) (Property, error) {
	var p Property
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(strings.ToLower(f))
		if f == "" {
			continue
		}
		found := false
		for _, n := range propertyNames {
			if n.name == f {
				p |= n.p
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("%w: unknown property %q", ErrInvalidArgument, f)
		}
	}
	return p, nil
}

// Characteristic describes a discovered GATT characteristic. UUIDs are
// stored normalized.
type Characteristic struct {
	ServiceUUID string
	UUID        string
	Properties  Property
}

// CanWrite reports whether either write form is supported.
func (c *Characteristic) CanWrite() bool {
	return c.Properties&(PropWrite|PropWriteNR) != 0
}

// CanNotify reports whether notifications or indications are supported.
func (c *Characteristic) CanNotify() bool {
	return c.Properties&(PropNotify|PropIndicate) != 0
}

// Service is a discovered GATT service.
type Service struct {
	UUID            string
	Characteristics []*Characteristic
}

// Characteristic looks up a characteristic of s by UUID.
func (s *Service) Characteristic(uuid string) (*Characteristic, bool) {
	uuid = NormalizeUUID(uuid)
	for _, c := range s.Characteristics {
		if c.UUID == uuid {
			return c, true
		}
	}
	return nil, false
}

// Profile is the set of services discovered on a connection.
type Profile struct {
	services map[string]*Service
}

// NewProfile indexes services by normalized UUID.
func NewProfile(services []*Service) *Profile {
	p := &Profile{services: make(map[string]*Service, len(services))}
	for _, s := range services {
		p.services[NormalizeUUID(s.UUID)] = s
	}
	return p
}

// Service looks up a service by UUID.
func (p *Profile) Service(uuid string) (*Service, error) {
	if p == nil {
		return nil, &NotFoundError{Resource: "service", UUIDs: []string{uuid}}
	}
	s, ok := p.services[NormalizeUUID(uuid)]
	if !ok {
		return nil, &NotFoundError{Resource: "service", UUIDs: []string{uuid}}
	}
	return s, nil
}

// Characteristic looks up a characteristic by service and characteristic
// UUID. An empty service UUID searches every service.
func (p *Profile) Characteristic(service, uuid string) (*Characteristic, error) {
	if service != "" {
		s, err := p.Service(service)
		if err != nil {
			return nil, err
		}
		if c, ok := s.Characteristic(uuid); ok {
			return c, nil
		}
		return nil, &NotFoundError{Resource: "characteristic", UUIDs: []string{service, uuid}}
	}
	if p != nil {
		for _, s := range p.Services() {
			if c, ok := s.Characteristic(uuid); ok {
				return c, nil
			}
		}
	}
	return nil, &NotFoundError{Resource: "characteristic", UUIDs: []string{uuid}}
}

// Services returns all services sorted by UUID.
func (p *Profile) Services() []*Service {
	if p == nil {
		return nil
	}
	out := make([]*Service, 0, len(p.services))
	for _, s := range p.services {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UUID < out[j].UUID
	})
	return out
}
