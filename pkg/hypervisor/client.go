// Package hypervisor is a typed façade over the libvirt remote protocol:
// storage pool/volume create/lookup, domain define/create/destroy/undefine,
// XML descriptor fetch (spec §4.A). The concrete implementation wraps
// github.com/digitalocean/go-libvirt; tests use the in-memory Fake.
package hypervisor

import (
	"fmt"
	"net"
	"time"

	"github.com/GaretJax/ipd/pkg/ipderrors"
	"github.com/GaretJax/ipd/pkg/types"
)

// StoragePool identifies a libvirt storage pool handle returned by a lookup
// or create call.
type StoragePool struct {
	Name string
	UUID string
}

// StorageVol identifies a libvirt storage volume handle.
type StorageVol struct {
	Pool string
	Name string
	Key  string
}

// Domain identifies a libvirt domain handle.
type Domain struct {
	Name string
	UUID string
	ID   int32
}

// Client is the narrow capability set the lifecycle driver and metadata
// server consume a hypervisor through (§9 "resource polymorphism via
// interfaces"). Every operation fails with an *ipderrors.Error of kind
// Transport, Remote or Timeout.
type Client interface {
	// StoragePoolLookupByName looks up an existing pool. A missing pool is
	// reported as ipderrors.Remote, which callers recover into a create path.
	StoragePoolLookupByName(name string) (StoragePool, error)
	StoragePoolCreateXML(xml string) (StoragePool, error)

	StorageVolCreateXML(pool StoragePool, xml string) (StorageVol, error)
	StorageVolLookupByName(pool StoragePool, name string) (StorageVol, error)
	StorageVolDelete(vol StorageVol) error

	DomainLookupByName(name string) (Domain, error)
	DomainLookupByUUID(uuid string) (Domain, error)
	DomainCreateXML(xml string) (Domain, error)
	DomainGetXMLDesc(dom Domain) (string, error)
	DomainDestroy(dom Domain) error
	DomainUndefine(dom Domain) error
	ListAllDomains() ([]Domain, error)

	// Close releases the underlying connection (connect_close). Every
	// connection opened via Dial must be closed on every exit path.
	Close() error
}

// DialTimeout is the default deadline for establishing the TCP/TLS
// connection to a hypervisor before a build fails with ipderrors.Transport.
const DialTimeout = 10 * time.Second

// Dial opens a connection to ep, performs the libvirt handshake
// (connect_open, auth_list, connect_supports_feature) and returns a ready
// Client. The client is single-shot: one connection per build, closed by
// the caller when the build finishes (§4.A).
func Dial(ep types.HypervisorEndpoint) (Client, error) {
	addr := fmt.Sprintf("%s:%d", ep.Address, ep.Port)
	conn, err := net.DialTimeout("tcp", addr, DialTimeout)
	if err != nil {
		return nil, ipderrors.Wrap(ipderrors.KindTransport, ep.Key, err)
	}
	return newRemoteClient(conn, ep)
}
