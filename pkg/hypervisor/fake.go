package hypervisor

import (
	"sync"

	"github.com/GaretJax/ipd/pkg/ipderrors"
)

// Fake is an in-memory Client used by scheduler and lifecycle tests to
// stand in for a real hypervisor, per §9's "resource polymorphism via
// interfaces" note.
type Fake struct {
	mu     sync.Mutex
	pools  map[string]StoragePool
	vols   map[string]StorageVol
	doms   map[string]Domain
	Closed bool

	// NextDomainUUID/NextMAC let a test script the identity of the domain
	// the next DomainCreateXML call synthesizes.
	NextDomainUUID string
	NextMAC        string
}

// NewFake builds an empty Fake.
func NewFake() *Fake {
	return &Fake{
		pools: make(map[string]StoragePool),
		vols:  make(map[string]StorageVol),
		doms:  make(map[string]Domain),
	}
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

func (f *Fake) StoragePoolLookupByName(name string) (StoragePool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pool, ok := f.pools[name]
	if !ok {
		return StoragePool{}, ipderrors.New(ipderrors.KindRemote, name)
	}
	return pool, nil
}

func (f *Fake) StoragePoolCreateXML(xml string) (StoragePool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pool := StoragePool{Name: "ipd-images", UUID: "fake-pool-uuid"}
	f.pools[pool.Name] = pool
	return pool, nil
}

func (f *Fake) StorageVolCreateXML(pool StoragePool, xml string) (StorageVol, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vol := StorageVol{Pool: pool.Name, Name: "fake-vol", Key: "fake-vol-key"}
	f.vols[vol.Name] = vol
	return vol, nil
}

func (f *Fake) StorageVolLookupByName(pool StoragePool, name string) (StorageVol, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vol, ok := f.vols[name]
	if !ok {
		return StorageVol{}, ipderrors.New(ipderrors.KindRemote, name)
	}
	return vol, nil
}

func (f *Fake) StorageVolDelete(vol StorageVol) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.vols, vol.Name)
	return nil
}

func (f *Fake) DomainLookupByName(name string) (Domain, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dom, ok := f.doms[name]
	if !ok {
		return Domain{}, ipderrors.New(ipderrors.KindRemote, name)
	}
	return dom, nil
}

func (f *Fake) DomainLookupByUUID(uuid string) (Domain, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, err := parseUUID(uuid)
	if err != nil {
		return Domain{}, ipderrors.Wrap(ipderrors.KindRemote, uuid, err)
	}
	for _, dom := range f.doms {
		domRaw, err := parseUUID(dom.UUID)
		if err == nil && domRaw == raw {
			return dom, nil
		}
	}
	return Domain{}, ipderrors.New(ipderrors.KindRemote, uuid)
}

func (f *Fake) DomainCreateXML(xml string) (Domain, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	uuid := f.NextDomainUUID
	if uuid == "" {
		uuid = "00000000-0000-0000-0000-000000000001"
	}
	dom := Domain{Name: "fake-domain", UUID: uuid, ID: int32(len(f.doms) + 1)}
	f.doms[dom.Name] = dom
	return dom, nil
}

func (f *Fake) DomainGetXMLDesc(dom Domain) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mac := f.NextMAC
	if mac == "" {
		mac = "52:54:00:aa:bb:cc"
	}
	return fakeDomainXML(dom, mac), nil
}

func (f *Fake) DomainDestroy(dom Domain) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.doms, dom.Name)
	return nil
}

func (f *Fake) DomainUndefine(dom Domain) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.doms, dom.Name)
	return nil
}

func (f *Fake) ListAllDomains() ([]Domain, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Domain, 0, len(f.doms))
	for _, dom := range f.doms {
		out = append(out, dom)
	}
	return out, nil
}

func fakeDomainXML(dom Domain, mac string) string {
	return `<domain type='kvm'>
  <name>` + dom.Name + `</name>
  <uuid>` + dom.UUID + `</uuid>
  <devices>
    <interface type='network'>
      <mac address='` + mac + `'/>
    </interface>
    <graphics type='vnc' port='5900' passwd='fakepass'/>
  </devices>
</domain>`
}
