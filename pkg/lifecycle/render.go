package lifecycle

import (
	"bytes"
	"crypto/rand"
	"encoding/xml"
	"fmt"
	"text/template"

	"github.com/GaretJax/ipd/pkg/ipderrors"
)

// DomainParams parameterizes one domain descriptor render: name, the disk's
// source volume name, and the VNC graphics password (§4.F step 4).
type DomainParams struct {
	Name       string
	VolumeName string
	VNCPasswd  string
}

// VolumeParams parameterizes one volume descriptor render.
type VolumeParams struct {
	Name string
}

// RenderDomainXML mutates a domain descriptor template in memory by
// executing it as a Go text template against params.
func RenderDomainXML(tmpl string, params DomainParams) (string, error) {
	return render(tmpl, params)
}

// RenderVolumeXML mutates a volume descriptor template in memory by
// executing it as a Go text template against params.
func RenderVolumeXML(tmpl string, params VolumeParams) (string, error) {
	return render(tmpl, params)
}

func render(tmpl string, params interface{}) (string, error) {
	t, err := template.New("descriptor").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parsing descriptor template: %w", err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, params); err != nil {
		return "", fmt.Errorf("rendering descriptor template: %w", err)
	}
	return buf.String(), nil
}

const vncPasswordAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789!@#$%^&*()-_=+"

// GenerateVNCPassword returns a 32-character password drawn from
// [A-Za-z0-9] plus ASCII punctuation, used as the new domain's graphics
// passwd (§4.F step 3).
func GenerateVNCPassword() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating vnc password: %w", err)
	}
	out := make([]byte, 32)
	for i, b := range buf {
		out[i] = vncPasswordAlphabet[int(b)%len(vncPasswordAlphabet)]
	}
	return string(out), nil
}

// domainDesc is the subset of a domain's live XML descriptor the lifecycle
// driver needs after DomainCreateXML: the libvirt-assigned UUID, the
// guest's MAC address, and the VNC graphics port (§4.F step 9).
type domainDesc struct {
	UUID    string `xml:"uuid"`
	Devices struct {
		Interfaces []struct {
			MAC struct {
				Address string `xml:"address,attr"`
			} `xml:"mac"`
		} `xml:"interface"`
		Graphics []struct {
			Port string `xml:"port,attr"`
		} `xml:"graphics"`
	} `xml:"devices"`
}

// ParseDomainDesc extracts uuid, mac_address and vncport from a domain's
// live XML descriptor.
func ParseDomainDesc(xmlDoc string) (uuid, mac, vncPort string, err error) {
	var desc domainDesc
	if err := xml.Unmarshal([]byte(xmlDoc), &desc); err != nil {
		return "", "", "", ipderrors.Wrap(ipderrors.KindRemote, "domain_get_xml_desc", err)
	}
	if desc.UUID == "" {
		return "", "", "", ipderrors.New(ipderrors.KindRemote, "domain_get_xml_desc: missing uuid")
	}
	if len(desc.Devices.Interfaces) == 0 {
		return "", "", "", ipderrors.New(ipderrors.KindRemote, "domain_get_xml_desc: missing interface")
	}
	if len(desc.Devices.Graphics) == 0 {
		return "", "", "", ipderrors.New(ipderrors.KindRemote, "domain_get_xml_desc: missing graphics")
	}
	return desc.UUID, desc.Devices.Interfaces[0].MAC.Address, desc.Devices.Graphics[0].Port, nil
}
