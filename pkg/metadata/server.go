// Package metadata implements the Metadata Rendezvous: the cloud-init
// compatible HTTP service VMs contact during first boot (EC2 and
// OpenStack metadata layouts) and the phone-home callback that signals the
// scheduler a guest has come up (spec §4.G).
package metadata

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/GaretJax/ipd/pkg/hypervisor"
	"github.com/GaretJax/ipd/pkg/log"
	"github.com/GaretJax/ipd/pkg/metrics"
	"github.com/GaretJax/ipd/pkg/storage"
	"github.com/GaretJax/ipd/pkg/types"
)

var (
	ec2Versions = []string{"2009-04-04"}
	osVersions  = []string{"2012-08-10"}
)

// Server serves the EC2/OpenStack metadata trees and the phone-home
// callback. It is unauthenticated and expects a hypervisor-local
// redirector to inject X-Tenant-ID, X-Instance-ID and X-Forwarded-For
// (§4.G).
type Server struct {
	store      storage.Store
	endpoints  map[string]types.HypervisorEndpoint
	dial       func(types.HypervisorEndpoint) (hypervisor.Client, error)
	pubKeyLine string
	logger     zerolog.Logger
}

// NewServer builds a Server. pubKeyLine is the scheduler's SSH public key
// in OpenSSH wire format, the value guests bake into authorized_keys.
func NewServer(store storage.Store, endpoints []types.HypervisorEndpoint, pubKeyLine string) *Server {
	byKey := make(map[string]types.HypervisorEndpoint, len(endpoints))
	for _, ep := range endpoints {
		byKey[ep.Key] = ep
	}
	return &Server{
		store:      store,
		endpoints:  byKey,
		dial:       hypervisor.Dial,
		pubKeyLine: pubKeyLine,
		logger:     log.WithComponent("metadata"),
	}
}

// Handler returns the http.Handler to mount at the server root.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.route)
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/instancedata" && r.Method == http.MethodPost:
		s.handlePhoneHome(w, r)
	case strings.HasPrefix(r.URL.Path, "/instancedata/") && r.Method == http.MethodGet:
		s.handleInstanceDataGet(w, r)
	case strings.HasPrefix(r.URL.Path, "/openstack"):
		s.handleOpenStack(w, r)
	default:
		s.handleEC2(w, r)
	}
}

type identity struct {
	UUID string
	Name string
}

// resolveIdentity dials the hypervisor named by X-Tenant-ID and looks up
// the domain named by X-Instance-ID, as §4.G's "Metadata lookup" requires.
func (s *Server) resolveIdentity(r *http.Request) (identity, error) {
	tenant := r.Header.Get("X-Tenant-ID")
	uuid := r.Header.Get("X-Instance-ID")
	if tenant == "" || uuid == "" {
		return identity{}, fmt.Errorf("missing X-Tenant-ID/X-Instance-ID headers")
	}
	ep, ok := s.endpoints[tenant]
	if !ok {
		return identity{}, fmt.Errorf("unknown hypervisor %q", tenant)
	}
	client, err := s.dial(ep)
	if err != nil {
		return identity{}, err
	}
	defer client.Close()

	dom, err := client.DomainLookupByUUID(uuid)
	if err != nil {
		return identity{}, err
	}
	return identity{UUID: dom.UUID, Name: dom.Name}, nil
}

func (s *Server) handlePhoneHome(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeError(w, "phone_home", http.StatusBadRequest, err)
		return
	}

	instanceID := r.FormValue("instance_id")
	hostname := r.FormValue("hostname")
	if instanceID == "" || hostname == "" {
		s.writeError(w, "phone_home", http.StatusBadRequest, fmt.Errorf("instance_id and hostname are required"))
		return
	}

	rec := types.InstanceRecord{Hostname: hostname, Status: "running", PubKeys: make(map[string]string)}
	if r.FormValue("nosetip") == "" {
		rec.IPAddress = clientIP(r)
	}
	for name, values := range r.Form {
		if algorithm, ok := strings.CutPrefix(name, "pub_key_"); ok && len(values) > 0 {
			rec.PubKeys[algorithm] = strings.TrimSpace(values[0])
		}
	}

	if err := s.store.HMSet(storage.InstanceKey(instanceID), rec.Phase2Fields()); err != nil {
		s.writeError(w, "phone_home", http.StatusInternalServerError, err)
		return
	}

	metrics.PhoneHomeTotal.Inc()
	metrics.MetadataRequestsTotal.WithLabelValues("phone_home", "200").Inc()
	w.WriteHeader(http.StatusOK)
}

func clientIP(r *http.Request) string {
	xff := r.Header.Get("X-Forwarded-For")
	parts := strings.Split(xff, ",")
	return strings.TrimSpace(parts[0])
}

func (s *Server) handleInstanceDataGet(w http.ResponseWriter, r *http.Request) {
	uuid := strings.TrimPrefix(r.URL.Path, "/instancedata/")
	record, err := s.store.HGetAll(storage.InstanceKey(uuid))
	if err != nil {
		s.writeError(w, "instancedata", http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, "instancedata", record)
}

func (s *Server) handleEC2(w http.ResponseWriter, r *http.Request) {
	segments := splitPath(r.URL.Path)
	if len(segments) == 0 {
		s.writeIndex(w, "ec2", ec2Versions)
		return
	}

	if _, ok := resolveVersion(segments[0], ec2Versions); !ok {
		s.writeError(w, "ec2", http.StatusNotFound, fmt.Errorf("unknown version %q", segments[0]))
		return
	}
	s.serveEC2(w, r, segments[1:])
}

func (s *Server) serveEC2(w http.ResponseWriter, r *http.Request, rest []string) {
	if len(rest) == 0 {
		s.writeTextListing(w, "ec2", []string{"meta-data/", "user-data"})
		return
	}

	switch rest[0] {
	case "meta-data":
		s.serveEC2MetaData(w, r, rest[1:])
	case "user-data":
		identity, err := s.resolveIdentity(r)
		if err != nil {
			s.writeError(w, "ec2", http.StatusInternalServerError, err)
			return
		}
		s.writeText(w, "ec2", cloudConfig(identity.Name))
	default:
		s.writeError(w, "ec2", http.StatusNotFound, fmt.Errorf("unknown path"))
	}
}

func (s *Server) serveEC2MetaData(w http.ResponseWriter, r *http.Request, rest []string) {
	if len(rest) == 0 {
		s.writeTextListing(w, "ec2", []string{"hostname", "instance-id", "public-keys/"})
		return
	}

	switch rest[0] {
	case "hostname":
		identity, err := s.resolveIdentity(r)
		if err != nil {
			s.writeError(w, "ec2", http.StatusInternalServerError, err)
			return
		}
		s.writeText(w, "ec2", identity.Name)
	case "instance-id":
		identity, err := s.resolveIdentity(r)
		if err != nil {
			s.writeError(w, "ec2", http.StatusInternalServerError, err)
			return
		}
		s.writeText(w, "ec2", identity.UUID)
	case "public-keys":
		s.serveEC2PublicKeys(w, rest[1:])
	default:
		s.writeError(w, "ec2", http.StatusNotFound, fmt.Errorf("unknown path"))
	}
}

func (s *Server) serveEC2PublicKeys(w http.ResponseWriter, rest []string) {
	if len(rest) == 0 {
		s.writeText(w, "ec2", "0=ipd\n")
		return
	}
	if len(rest) == 2 && rest[0] == "0" && rest[1] == "openssh-key" {
		s.writeText(w, "ec2", s.pubKeyLine)
		return
	}
	s.writeError(w, "ec2", http.StatusNotFound, fmt.Errorf("unknown public key path"))
}

type openstackMetaData struct {
	UUID       string            `json:"uuid"`
	Name       string            `json:"name"`
	Hostname   string            `json:"hostname"`
	PublicKeys map[string]string `json:"public_keys"`
}

func (s *Server) handleOpenStack(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/openstack")
	segments := splitPath(trimmed)
	if len(segments) == 0 {
		s.writeIndex(w, "openstack", osVersions)
		return
	}

	if _, ok := resolveVersion(segments[0], osVersions); !ok {
		s.writeError(w, "openstack", http.StatusNotFound, fmt.Errorf("unknown version %q", segments[0]))
		return
	}
	rest := segments[1:]

	if len(rest) == 0 {
		s.writeTextListing(w, "openstack", []string{"meta_data.json", "user_data"})
		return
	}

	switch rest[0] {
	case "meta_data.json":
		identity, err := s.resolveIdentity(r)
		if err != nil {
			s.writeError(w, "openstack", http.StatusInternalServerError, err)
			return
		}
		s.writeJSON(w, "openstack", openstackMetaData{
			UUID:       identity.UUID,
			Name:       identity.Name,
			Hostname:   identity.Name,
			PublicKeys: map[string]string{"ipd": s.pubKeyLine},
		})
	case "user_data":
		identity, err := s.resolveIdentity(r)
		if err != nil {
			s.writeError(w, "openstack", http.StatusInternalServerError, err)
			return
		}
		s.writeText(w, "openstack", cloudConfig(identity.Name))
	default:
		s.writeError(w, "openstack", http.StatusNotFound, fmt.Errorf("unknown path"))
	}
}

func cloudConfig(name string) string {
	return fmt.Sprintf(`#cloud-config

hostname: %s
fqdn: %s.vm.ipd
manage_etc_hosts: true

phone_home:
 url: http://169.254.169.254/instancedata
 tries: 2
`, name, name)
}

// resolveVersion maps "latest" to the lexicographically greatest entry in
// versions and validates any other value is a registered version.
func resolveVersion(requested string, versions []string) (string, bool) {
	if requested == "latest" {
		return latestVersion(versions), true
	}
	for _, v := range versions {
		if v == requested {
			return v, true
		}
	}
	return "", false
}

func latestVersion(versions []string) string {
	sorted := append([]string(nil), versions...)
	sort.Strings(sorted)
	return sorted[len(sorted)-1]
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func (s *Server) writeIndex(w http.ResponseWriter, tree string, versions []string) {
	sorted := append([]string(nil), versions...)
	sort.Strings(sorted)
	lines := make([]string, 0, len(sorted)+1)
	for _, v := range sorted {
		lines = append(lines, v+"/")
	}
	lines = append(lines, "latest/")
	s.writeTextListing(w, tree, lines)
}

func (s *Server) writeTextListing(w http.ResponseWriter, tree string, lines []string) {
	s.writeText(w, tree, strings.Join(lines, "\n")+"\n")
}

func (s *Server) writeText(w http.ResponseWriter, tree, body string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(body))
	metrics.MetadataRequestsTotal.WithLabelValues(tree, "200").Inc()
}

func (s *Server) writeJSON(w http.ResponseWriter, tree string, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
	metrics.MetadataRequestsTotal.WithLabelValues(tree, "200").Inc()
}

func (s *Server) writeError(w http.ResponseWriter, tree string, status int, err error) {
	s.logger.Error().Err(err).Str("tree", tree).Msg("metadata request failed")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
	metrics.MetadataRequestsTotal.WithLabelValues(tree, fmt.Sprintf("%d", status)).Inc()
}
