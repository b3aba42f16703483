package lifecycle

import (
	"os"
	"path/filepath"

	"github.com/GaretJax/ipd/pkg/ipderrors"
	"github.com/GaretJax/ipd/pkg/types"
)

// TemplateStore loads the per-base-image domain/volume descriptor templates
// and the storage-pool template seeded on disk (§6 "Configured inputs").
type TemplateStore struct {
	workdir string
}

// NewTemplateStore builds a TemplateStore rooted at workdir.
func NewTemplateStore(workdir string) *TemplateStore {
	return &TemplateStore{workdir: workdir}
}

// Load reads domains/<baseDomain>.xml and volumes/<baseDomain>.xml. Either
// file missing is reported as ipderrors.DomainNotFound (§4.F step 2).
func (t *TemplateStore) Load(baseDomain string) (types.DescriptorTemplate, error) {
	domPath := filepath.Join(t.workdir, "domains", baseDomain+".xml")
	volPath := filepath.Join(t.workdir, "volumes", baseDomain+".xml")

	domXML, err := os.ReadFile(domPath)
	if err != nil {
		return types.DescriptorTemplate{}, ipderrors.Wrap(ipderrors.KindDomainNotFound, baseDomain, err)
	}
	volXML, err := os.ReadFile(volPath)
	if err != nil {
		return types.DescriptorTemplate{}, ipderrors.Wrap(ipderrors.KindDomainNotFound, baseDomain, err)
	}

	return types.DescriptorTemplate{
		BaseDomain: baseDomain,
		DomainXML:  string(domXML),
		VolumeXML:  string(volXML),
	}, nil
}

// PoolXML reads the base-vm/pool.xml storage-pool descriptor template used
// to create the "ipd-images" pool the first time a hypervisor is used.
func (t *TemplateStore) PoolXML() (string, error) {
	path := filepath.Join(t.workdir, "base-vm", "pool.xml")
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", ipderrors.Wrap(ipderrors.KindDomainNotFound, "ipd-images", err)
	}
	return string(raw), nil
}
